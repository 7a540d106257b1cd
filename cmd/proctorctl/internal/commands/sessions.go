package commands

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	clierrors "github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/errors"
	"github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/output"
	proctorhttp "github.com/kube-zen/zen-proctor/pkg/http"
	"github.com/kube-zen/zen-proctor/pkg/hub"
	"github.com/kube-zen/zen-proctor/pkg/types"
	"github.com/spf13/cobra"
)

// hubFlags locate a hub and carry a viewer key
type hubFlags struct {
	url   string
	token string
}

func (f *hubFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "hub", os.Getenv("PROCTOR_HUB_URL"), "Hub base URL (env PROCTOR_HUB_URL)")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("PROCTOR_VIEWER_TOKEN"), "Viewer key (env PROCTOR_VIEWER_TOKEN)")
}

func (f *hubFlags) getJSON(ctx context.Context, path string, out interface{}) error {
	if f.url == "" {
		return clierrors.NewExitError(clierrors.ExitFailure, fmt.Errorf("--hub is required"))
	}
	hc := proctorhttp.DefaultHTTPClientConfig()
	hc.BearerToken = f.token
	hc.LoggingEnabled = false
	hc.ServiceName = "proctorctl"
	return proctorhttp.NewHardenedHTTPClient(hc).GetJSON(ctx, strings.TrimRight(f.url, "/")+path, out)
}

type sessionRow hub.SessionInfo

func (r sessionRow) Cells() []string {
	agent := "no"
	if r.AgentConnected {
		agent = "yes"
	}
	if r.Stale {
		agent += " (stale)"
	}
	return []string{
		r.ID,
		output.Dash(r.MachineID),
		agent,
		strconv.Itoa(r.Viewers),
		strconv.FormatUint(r.FramesReceived, 10),
		strconv.Itoa(r.OpenAlerts),
		output.Dash(r.LastSeen),
	}
}

func NewSessionsCommand() *cobra.Command {
	var hf hubFlags
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions a hub knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Sessions []hub.SessionInfo `json:"sessions"`
			}
			if err := hf.getJSON(cmd.Context(), "/api/v1/sessions", &resp); err != nil {
				return err
			}
			rows := make([]output.Row, len(resp.Sessions))
			for i, s := range resp.Sessions {
				rows[i] = sessionRow(s)
			}
			return OptionsFromContext(cmd.Context()).printer(cmd.OutOrStdout()).Print(
				[]string{"SESSION", "MACHINE", "AGENT", "VIEWERS", "FRAMES", "ALERTS", "LAST SEEN"},
				resp.Sessions, rows)
		},
	}
	hf.register(cmd)
	return cmd
}

type alertRow struct {
	types.Alert
	now time.Time
}

func (r alertRow) Cells() []string {
	return []string{string(r.Severity), r.Title, r.Reason, output.FormatAge(r.CreatedAt, r.now)}
}

func NewAlertsCommand() *cobra.Command {
	var hf hubFlags
	cmd := &cobra.Command{
		Use:   "alerts SESSION",
		Short: "Show the alerts a hub holds for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Alerts []types.Alert `json:"alerts"`
			}
			if err := hf.getJSON(cmd.Context(), "/api/v1/sessions/"+url.PathEscape(args[0])+"/alerts", &resp); err != nil {
				return err
			}
			now := time.Now()
			rows := make([]output.Row, len(resp.Alerts))
			for i, a := range resp.Alerts {
				rows[i] = alertRow{Alert: a, now: now}
			}
			return OptionsFromContext(cmd.Context()).printer(cmd.OutOrStdout()).Print(
				[]string{"SEVERITY", "TITLE", "REASON", "AGE"}, resp.Alerts, rows)
		},
	}
	hf.register(cmd)
	return cmd
}
