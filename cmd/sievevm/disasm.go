package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/serialize"
)

func newDisasmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disasm <script.siv>",
		Short: "Print a compiled script's instruction vector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			script, digest, err := serialize.Unmarshal(data)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "; digest %x\n", digest)
			fmt.Fprintf(w, "; locals=%d matchvars=%d capabilities=%v\n",
				script.NumLocalVars, script.NumMatchVars, capabilityNames(script.RequiredCapabilities))
			for i, instr := range script.Instructions {
				fmt.Fprintf(w, "%4d  %s\n", i, disasmOne(instr))
			}
			return nil
		},
	}
	return cmd
}

func capabilityNames(caps []bytecode.Capability) []string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return names
}

// disasmOne renders one Instruction's operands, showing only the
// fields its Kind populates.
func disasmOne(in bytecode.Instruction) string {
	switch in.Kind {
	case bytecode.OpJmp, bytecode.OpJz, bytecode.OpJnz:
		return fmt.Sprintf("%-16s -> %d", in.Kind, in.Target)
	case bytecode.OpTest:
		return fmt.Sprintf("%-16s %s", in.Kind, in.Test.Kind)
	case bytecode.OpClear:
		return fmt.Sprintf("%-16s mask=%#x locals[%d:%d]", in.Kind, in.ClearMatchMask, in.ClearLocalIdx, in.ClearLocalIdx+in.ClearLocalCount)
	case bytecode.OpRequire:
		return fmt.Sprintf("%-16s %v", in.Kind, capabilityNames(in.RequireCaps))
	case bytecode.OpInvalid:
		return fmt.Sprintf("%-16s %q (line %d)", in.Kind, in.InvalidName, in.Line)
	case bytecode.OpForEveryPartPop:
		return fmt.Sprintf("%-16s count=%d", in.Kind, in.ForEveryPartPopCount)
	case bytecode.OpInclude:
		return fmt.Sprintf("%-16s personal=%v optional=%v once=%v", in.Kind, in.Include.Personal, in.Include.Optional, in.Include.Once)
	case bytecode.OpKeep:
		return fmt.Sprintf("%-16s", in.Kind)
	case bytecode.OpFileInto:
		return fmt.Sprintf("%-16s copy=%v create=%v", in.Kind, in.FileInto.Copy, in.FileInto.Create)
	case bytecode.OpRedirect:
		return fmt.Sprintf("%-16s copy=%v list=%v", in.Kind, in.Redirect.Copy, in.Redirect.List)
	case bytecode.OpReject:
		return fmt.Sprintf("%-16s extended=%v", in.Kind, in.RejectExtended)
	case bytecode.OpSet:
		return fmt.Sprintf("%-16s %q slot=%d mods=%d", in.Kind, in.SetName, in.SetIndex, len(in.SetModifiers))
	case bytecode.OpAddHeader, bytecode.OpDeleteHeader:
		return fmt.Sprintf("%-16s last=%v mime=%v", in.Kind, in.EditHeader.Last, in.EditHeader.MIME)
	case bytecode.OpReplace, bytecode.OpEnclose:
		return fmt.Sprintf("%-16s type=%s", in.Kind, in.MimeEdit.MIMEType)
	case bytecode.OpExtractText:
		return fmt.Sprintf("%-16s slot=%d first=%d", in.Kind, in.ExtractText.VarIndex, in.ExtractText.First)
	case bytecode.OpConvert:
		return fmt.Sprintf("%-16s %s -> %s", in.Kind, in.Convert.FromType, in.Convert.ToType)
	case bytecode.OpSetFlag, bytecode.OpAddFlag, bytecode.OpRemoveFlag:
		target := in.FlagTarget
		if target == "" {
			target = "__flags"
		}
		return fmt.Sprintf("%-16s %s", in.Kind, target)
	case bytecode.OpNotify:
		return fmt.Sprintf("%-16s", in.Kind)
	case bytecode.OpVacation:
		return fmt.Sprintf("%-16s days=%d", in.Kind, in.Vacation.Days)
	default:
		return strings.TrimSpace(in.Kind.String())
	}
}
