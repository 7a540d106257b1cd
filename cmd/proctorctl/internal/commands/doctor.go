package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	clierrors "github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/errors"
	"github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/output"
	"github.com/kube-zen/zen-proctor/pkg/capture"
	"github.com/kube-zen/zen-proctor/pkg/config"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	proctorhttp "github.com/kube-zen/zen-proctor/pkg/http"
	"github.com/kube-zen/zen-proctor/pkg/observer"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/transport"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"github.com/spf13/cobra"
)

// Check statuses
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

type DoctorResult struct {
	Check       string `json:"check" yaml:"check"`
	Status      string `json:"status" yaml:"status"`
	Message     string `json:"message" yaml:"message"`
	Remediation string `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

func (r DoctorResult) Cells() []string {
	return []string{r.Check, r.Status, r.Message, output.Dash(r.Remediation)}
}

var doctorHeaders = []string{"CHECK", "STATUS", "MESSAGE", "REMEDIATION"}

func NewDoctorCommand() *cobra.Command {
	var agentPath, envFile string
	var timeout time.Duration
	var skipDevices bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run agent preflight diagnostics on this machine",
		Long: `Runs the checks an agent needs to pass before a session starts:
- agent configuration and blocklist load
- hub reachable and the api key accepted
- detector endpoint reachable
- browser DevTools endpoint reachable (when the observer is enabled)
- enabled capture devices open and deliver a frame`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := OptionsFromContext(cmd.Context())
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var results []DoctorResult
			cfg, err := config.LoadAgent(config.LoadOptions{Path: agentPath, EnvFile: envFile})
			if err != nil {
				results = append(results, DoctorResult{
					Check:       "Configuration",
					Status:      StatusFail,
					Message:     err.Error(),
					Remediation: "Fix the agent configuration; see proctorctl validate-config",
				})
			} else {
				results = append(results, DoctorResult{Check: "Configuration", Status: StatusPass, Message: "Agent configuration is valid"})
				blocklist := opts.Blocklist
				if blocklist == "" {
					blocklist = cfg.BlocklistPath
				}
				results = append(results,
					checkBlocklist(blocklist),
					checkHub(ctx, *cfg),
					checkDetector(ctx, *cfg),
				)
				if cfg.Observer.Enabled {
					results = append(results, checkDevTools(ctx, cfg.Observer.DevToolsURL))
				}
				if !skipDevices {
					for _, kind := range []types.SourceKind{types.SourceScreen, types.SourceWebcam} {
						if src := cfg.Source(kind); src.Enabled {
							results = append(results, checkDevice(ctx, kind, src))
						}
					}
				}
			}

			rows := make([]output.Row, len(results))
			failed := 0
			for i, r := range results {
				rows[i] = r
				if r.Status == StatusFail {
					failed++
				}
			}
			if err := opts.printer(cmd.OutOrStdout()).Print(doctorHeaders, results, rows); err != nil {
				return err
			}
			if failed > 0 {
				return clierrors.NewExitError(clierrors.ExitUnhealthy, fmt.Errorf("%d check(s) failed", failed))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentPath, "agent", "", "Agent configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file applied before PROCTOR_* overrides")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Overall time budget for the checks")
	cmd.Flags().BoolVar(&skipDevices, "skip-devices", false, "Do not open capture devices")
	return cmd
}

func checkBlocklist(path string) DoctorResult {
	list, err := policy.Load(path)
	if err != nil {
		return DoctorResult{Check: "Blocklist", Status: StatusFail, Message: err.Error(),
			Remediation: "Fix blocklist_path or the file it points at"}
	}
	name := path
	if name == "" {
		name = "built-in list"
	}
	return DoctorResult{Check: "Blocklist", Status: StatusPass,
		Message: fmt.Sprintf("%s loaded (%d process patterns)", name, len(list.Processes()))}
}

func checkHub(ctx context.Context, cfg config.AgentConfig) DoctorResult {
	client, err := transport.New(cfg)
	if err != nil {
		return DoctorResult{Check: "Hub", Status: StatusFail, Message: err.Error()}
	}
	if err := client.Verify(ctx); err != nil {
		res := DoctorResult{Check: "Hub", Status: StatusFail, Message: err.Error(),
			Remediation: "Check server_url and that the hub is running"}
		if errors.Is(err, proctorerrors.ErrAuthenticationFailure) {
			res.Remediation = "The hub rejected api_key; add it to the hub's agent_keys"
		}
		return res
	}
	return DoctorResult{Check: "Hub", Status: StatusPass, Message: "Reachable at " + cfg.ServerURL + ", api key accepted"}
}

func checkDetector(ctx context.Context, cfg config.AgentConfig) DoctorResult {
	if cfg.Detector.URL == "" {
		return DoctorResult{Check: "Detector", Status: StatusWarn, Message: "No detector configured, frames are sent without detections"}
	}
	hc := proctorhttp.DefaultHTTPClientConfig()
	hc.Timeout = cfg.Detector.Timeout
	hc.LoggingEnabled = false
	resp, err := proctorhttp.NewHardenedHTTPClient(hc).Get(ctx, cfg.Detector.URL)
	if err != nil {
		return DoctorResult{Check: "Detector", Status: StatusFail, Message: err.Error(),
			Remediation: "Start the inference service or clear detector.url"}
	}
	resp.Body.Close()
	// the endpoint only accepts POST; any HTTP answer proves it is up
	return DoctorResult{Check: "Detector", Status: StatusPass,
		Message: fmt.Sprintf("%s answered %d", cfg.Detector.URL, resp.StatusCode)}
}

func checkDevTools(ctx context.Context, baseURL string) DoctorResult {
	tabs, err := observer.NewDevToolsLister(baseURL, nil).Tabs(ctx)
	if err != nil {
		return DoctorResult{Check: "Browser DevTools", Status: StatusWarn, Message: err.Error(),
			Remediation: "Start the browser with --remote-debugging-port=9222; titles are still observed"}
	}
	return DoctorResult{Check: "Browser DevTools", Status: StatusPass, Message: fmt.Sprintf("%d open tab(s)", len(tabs))}
}

func checkDevice(ctx context.Context, kind types.SourceKind, cfg config.SourceConfig) DoctorResult {
	name := "Capture: " + string(kind)
	src, err := capture.Open(kind, cfg)
	if err != nil {
		return DoctorResult{Check: name, Status: StatusFail, Message: err.Error(),
			Remediation: fmt.Sprintf("Connect the %s device or disable it", kind)}
	}
	defer src.Close()

	frame, err := src.Capture(ctx)
	if err != nil {
		return DoctorResult{Check: name, Status: StatusFail, Message: err.Error()}
	}
	return DoctorResult{Check: name, Status: StatusPass,
		Message: fmt.Sprintf("Captured %dx%d frame", frame.Width, frame.Height)}
}
