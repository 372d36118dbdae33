package commands

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatgate/pkg/chatgate/session"
)

// newSessionsCmd creates `chatgate sessions`, which manages the sessions of
// a running server through its API.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage channel sessions of a running server",
		Long: `List, start, stop, restart and remove channel sessions through the
HTTP API of a running chatgate server.

Examples:
  chatgate sessions list
  chatgate sessions start whatsmeow 5511999990000 --qr qr.png
  chatgate sessions restart cloudapi 5511999990000
  chatgate sessions remove instagram 17841400000000000`,
	}
	addServerFlags(cmd)

	start := sessionActionCmd("start", "Start a session and wait for readiness or a QR code")
	start.Flags().String("qr", "", "write the pairing QR code PNG to this file")
	restart := sessionActionCmd("restart", "Restart a session, also out of stopped or failed states")
	restart.Flags().String("qr", "", "write the pairing QR code PNG to this file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions",
			Args:  cobra.NoArgs,
			RunE:  runSessionsList,
		},
		&cobra.Command{
			Use:   "get <kind> <account>",
			Short: "Show one session",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(cmd)
				if err != nil {
					return err
				}
				var info session.Info
				if err := c.do(cmd.Context(), http.MethodGet, sessionPath(args), nil, &info); err != nil {
					return err
				}
				return printJSON(cmd, info)
			},
		},
		start,
		restart,
		sessionActionCmd("stop", "Stop a session; it stays stopped until restarted"),
		&cobra.Command{
			Use:   "remove <kind> <account>",
			Short: "Remove a session and delete its credentials",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(cmd)
				if err != nil {
					return err
				}
				if err := c.do(cmd.Context(), http.MethodDelete, sessionPath(args), nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s:%s\n", args[0], args[1])
				return nil
			},
		},
	)
	return cmd
}

func sessionPath(args []string) string {
	return "/api/sessions/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tACCOUNT\tSTATE\tATTEMPTS\tLAST CLOSE\tUPDATED")
	for _, s := range resp.Sessions {
		state := string(s.State)
		if s.Degraded {
			state += " (degraded)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.Kind, s.Account, state, s.Attempts, s.LastCloseReason, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func sessionActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <kind> <account>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var resp struct {
				Status  string           `json:"status"`
				Pairing *session.Pairing `json:"pairing"`
				State   session.State    `json:"state"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, sessionPath(args)+"/"+action, nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case resp.Pairing != nil:
				fmt.Fprintf(out, "%s:%s is waiting for pairing\n", args[0], args[1])
				return writePairing(cmd, resp.Pairing)
			case resp.Status != "":
				fmt.Fprintf(out, "%s:%s is %s\n", args[0], args[1], resp.Status)
			default:
				fmt.Fprintf(out, "%s:%s is %s\n", args[0], args[1], resp.State)
			}
			return nil
		},
	}
}

// writePairing saves the QR PNG when --qr is set and always prints the raw
// pairing token so it can be rendered elsewhere.
func writePairing(cmd *cobra.Command, p *session.Pairing) error {
	out := cmd.OutOrStdout()
	path, _ := cmd.Flags().GetString("qr")
	if path != "" && p.Format == session.FormatPNG {
		data, ok := strings.CutPrefix(p.Image, "data:image/png;base64,")
		if !ok {
			return fmt.Errorf("unexpected pairing image encoding")
		}
		png, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return fmt.Errorf("decoding QR image: %w", err)
		}
		if err := os.WriteFile(path, png, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(out, "QR code written to %s\n", path)
	}
	fmt.Fprintf(out, "pairing code: %s\n", p.Raw)
	if p.ExpiresIn > 0 {
		fmt.Fprintf(out, "expires in: %s\n", p.ExpiresIn)
	}
	return nil
}
