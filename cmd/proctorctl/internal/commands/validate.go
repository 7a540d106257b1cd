package commands

import (
	"fmt"

	clierrors "github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/errors"
	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/policy"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"github.com/spf13/cobra"
)

func NewValidateCommand() *cobra.Command {
	var agentPath, hubPath, envFile string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate agent, hub and blocklist configuration",
		Long: `Loads configuration exactly as the binaries do (defaults, YAML file,
.env file, PROCTOR_* environment) and reports every problem found:
- agent configuration (--agent)
- hub configuration (--hub)
- blocklist (--blocklist, or the agent's blocklist_path)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := OptionsFromContext(cmd.Context())
			if agentPath == "" && hubPath == "" && opts.Blocklist == "" {
				return clierrors.NewExitError(clierrors.ExitFailure,
					fmt.Errorf("nothing to validate; pass --agent, --hub or --blocklist"))
			}

			var failures []string
			blocklist := opts.Blocklist

			if agentPath != "" {
				cmd.Println("Validating agent configuration...")
				cfg, err := config.LoadAgent(config.LoadOptions{Path: agentPath, EnvFile: envFile})
				if err != nil {
					failures = append(failures, err.Error())
				} else {
					cmd.Printf("  ✓ %s (session %s)\n", agentPath, cfg.SessionID)
					for _, kind := range []types.SourceKind{types.SourceScreen, types.SourceWebcam} {
						src := cfg.Source(kind)
						if !src.Enabled {
							cmd.Printf("  - %s disabled\n", kind)
							continue
						}
						cmd.Printf("  ✓ %s at %.0f fps, display %s, detection every %d frames\n",
							kind, src.TargetFPS, src.DisplayResolution, src.DetectionIntervalFrames)
					}
					if blocklist == "" {
						blocklist = cfg.BlocklistPath
					}
				}
			}

			if hubPath != "" {
				cmd.Println("Validating hub configuration...")
				cfg, err := config.LoadHub(config.LoadOptions{Path: hubPath, EnvFile: envFile})
				if err != nil {
					failures = append(failures, err.Error())
				} else {
					cmd.Printf("  ✓ %s (listen %s, %d agent keys, %d viewer keys)\n",
						hubPath, cfg.ListenAddr, len(cfg.AgentKeys), len(cfg.ViewerKeys))
				}
			}

			if blocklist != "" {
				cmd.Println("Validating blocklist...")
				list, err := policy.Load(blocklist)
				if err != nil {
					failures = append(failures, err.Error())
				} else {
					cmd.Printf("  ✓ %s (%d process patterns)\n", blocklist, len(list.Processes()))
				}
			}

			if len(failures) > 0 {
				cmd.Println("\nValidation failures:")
				for _, failure := range failures {
					cmd.Printf("  ✗ %s\n", failure)
				}
				return clierrors.NewExitError(clierrors.ExitFailure,
					fmt.Errorf("validation failed with %d error(s)", len(failures)))
			}
			cmd.Println("\nAll checks passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&agentPath, "agent", "", "Agent configuration file")
	cmd.Flags().StringVar(&hubPath, "hub", "", "Hub configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file applied before PROCTOR_* overrides")
	return cmd
}
