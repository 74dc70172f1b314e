package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/config"
	"github.com/aledsdavies/sievevm/core/host"
	"github.com/aledsdavies/sievevm/core/serialize"
	"github.com/aledsdavies/sievevm/runtime/eval"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		messagePath string
		userAddr    string
		envFrom     string
		watch       bool
		metricsAddr string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "run <script.sieve|script.siv>",
		Short: "Run a script against a sample message and print its actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reg *prometheus.Registry
			var metrics *promMetrics
			if metricsAddr != "" {
				reg = prometheus.NewRegistry()
				metrics = newPromMetrics(reg)
				go func() {
					if err := serveMetrics(metricsAddr, reg); err != nil {
						fmt.Fprintf(os.Stderr, "sievevm: metrics server: %v\n", err)
					}
				}()
			}

			runOnce := func() error {
				return runScriptOnce(cmd, args[0], *configPath, messagePath, userAddr, envFrom, verbose, metrics)
			}

			if !watch {
				return runOnce()
			}
			return watchAndRun(args[0], runOnce)
		},
	}
	cmd.Flags().StringVarP(&messagePath, "message", "m", "", "path to a JSON message fixture (see message.go)")
	cmd.Flags().StringVar(&userAddr, "user", "", "the script owner's address, for redirect loop protection")
	cmd.Flags().StringVar(&envFrom, "envelope-from", "", "the envelope MAIL FROM address")
	cmd.Flags().BoolVar(&watch, "watch", false, "recompile and rerun whenever the script file changes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus /metrics on this address while running (e.g. :9090)")
	cmd.Flags().BoolVar(&verbose, "debug", false, "enable debug logging")
	return cmd
}

func runScriptOnce(cmd *cobra.Command, scriptPath, configPath, messagePath, userAddr, envFrom string, verbose bool, metrics *promMetrics) error {
	script, err := loadScript(scriptPath, configPath, verbose)
	if err != nil {
		return err
	}

	var msg host.Message
	if messagePath != "" {
		m, err := loadJSONMessage(messagePath)
		if err != nil {
			return err
		}
		msg = m
	} else {
		msg = emptyMessage{}
	}

	rt := runtimeFromConfig(configPath)
	rt.Logger = newLogger(verbose)
	if metrics != nil {
		rt.Metrics = metrics
	}

	ev := eval.New(rt, script, msg, userAddr, envFrom)
	result := driveToCompletion(ev)
	if result.Err != nil {
		return fmt.Errorf("evaluation failed: %w", result.Err)
	}

	printActions(cmd, ev.Actions())
	return nil
}

// loadScript compiles a .sieve source file or deserializes a .siv
// bytecode file, dispatched on extension.
func loadScript(path, configPath string, verbose bool) (*bytecode.Script, error) {
	if strings.EqualFold(filepath.Ext(path), ".siv") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		script, _, err := serialize.Unmarshal(data)
		return script, err
	}
	script, errs := compileFile(path, configPath, verbose)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return nil, fmt.Errorf("compilation failed with %d error(s)", len(errs))
	}
	return script, nil
}

func runtimeFromConfig(configPath string) *eval.Runtime {
	if configPath == "" {
		return eval.NewRuntime()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievevm: %v (using defaults)\n", err)
		return eval.NewRuntime()
	}
	return cfg.ToRuntime()
}

// driveToCompletion auto-resolves every suspended Event with a
// conservative default reply (boolean tests fail, includes are
// treated as missing) since this example CLI has no real mailbox,
// list or metadata backing store to consult.
func driveToCompletion(ev *eval.Evaluator) eval.Result {
	res := ev.Run()
	for res.Event != nil && res.Err == nil {
		res = ev.Resume(defaultInput(res.Event))
	}
	return res
}

func defaultInput(ev *host.Event) host.Input {
	switch ev.Kind {
	case host.EventIncludeScript:
		return host.Input{Kind: host.InputBool, Bool: ev.ScriptOptional}
	case host.EventFunction:
		return host.Input{Kind: host.InputValue, Value: host.Value{Kind: host.ValueString}}
	default:
		return host.Input{Kind: host.InputBool, Bool: false}
	}
}

func printActions(cmd *cobra.Command, actions []eval.Action) {
	w := cmd.OutOrStdout()
	if len(actions) == 0 {
		fmt.Fprintln(w, "(no actions recorded — implicit keep applies)")
		return
	}
	for _, a := range actions {
		fmt.Fprintln(w, describeAction(a))
	}
}

func describeAction(a eval.Action) string {
	switch a.Kind {
	case eval.ActionKeep:
		return fmt.Sprintf("keep flags=%v", a.Flags)
	case eval.ActionFileInto:
		return fmt.Sprintf("fileinto %q copy=%v create=%v flags=%v", a.Folder, a.Copy, a.Create, a.Flags)
	case eval.ActionRedirect:
		return fmt.Sprintf("redirect %q copy=%v", a.Address, a.Copy)
	case eval.ActionReject:
		return fmt.Sprintf("reject extended=%v %q", a.RejectExtended, a.RejectMessage)
	case eval.ActionDiscard:
		return "discard"
	case eval.ActionAddHeader:
		return fmt.Sprintf("addheader %q: %q", a.HeaderName, a.HeaderValue)
	case eval.ActionDeleteHeader:
		return fmt.Sprintf("deleteheader %q", a.HeaderName)
	case eval.ActionReplace:
		return fmt.Sprintf("replace subject=%q type=%s", a.MIMESubject, a.MIMEType)
	case eval.ActionEnclose:
		return fmt.Sprintf("enclose subject=%q type=%s", a.MIMESubject, a.MIMEType)
	case eval.ActionConvert:
		return fmt.Sprintf("convert %s -> %s", a.ConvertFrom, a.ConvertTo)
	default:
		return "unknown action"
	}
}

// watchAndRun recompiles and reruns runOnce every time scriptPath's
// containing directory reports a write, mirroring the pack's
// fsnotify-based ingest watcher adapted from a one-shot file watch to
// a recompile-on-change loop (spec.md's "personal include script"
// directory is the natural thing to watch in a real deployment; here
// we watch the top-level script file itself for the example).
func watchAndRun(scriptPath string, runOnce func() error) error {
	if err := runOnce(); err != nil {
		fmt.Fprintf(os.Stderr, "sievevm: %v\n", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(scriptPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(scriptPath)
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := runOnce(); err != nil {
				fmt.Fprintf(os.Stderr, "sievevm: %v\n", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "sievevm: watch error: %v\n", err)
		}
	}
}

// emptyMessage is the zero-value host.Message used when `run` is
// invoked with no --message fixture, enough to exercise scripts whose
// tests never reach the message itself (pure control flow, keep).
type emptyMessage struct{}

func (emptyMessage) RawBytes() []byte                                    { return nil }
func (emptyMessage) PartIDs() []host.PartID                              { return []host.PartID{0} }
func (emptyMessage) PartHeaders(host.PartID) []host.HeaderField          { return nil }
func (emptyMessage) HeaderRaw(host.PartID, string, int) (string, bool)   { return "", false }
func (emptyMessage) AddressList(host.PartID, string) []host.Address      { return nil }
func (emptyMessage) ContentType(host.PartID) string                      { return "text/plain" }
func (emptyMessage) ContentTypeParam(host.PartID, string) (string, bool) { return "", false }
func (emptyMessage) BodyText(host.PartID) string                         { return "" }
func (emptyMessage) BodyHTML(host.PartID) string                         { return "" }
func (emptyMessage) SubpartIDs(host.PartID) []host.PartID                { return nil }
func (emptyMessage) TextToHTML(s string) string                          { return s }
func (emptyMessage) HTMLToText(s string) string                          { return s }
func (emptyMessage) ParseDate(string) (time.Time, bool)                  { return time.Time{}, false }
func (emptyMessage) ParseMessageID(string) []string                      { return nil }

var _ host.Message = emptyMessage{}
