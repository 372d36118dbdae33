package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient calls the HTTP API of a running server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// addServerFlags registers the flags selecting the server to talk to.
func addServerFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "", "base URL of the running server (default: http://<gateway.address>)")
	cmd.PersistentFlags().String("token", "", "bearer token (default: gateway.auth_token)")
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = "http://" + cfg.Gateway.Address
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Gateway.AuthToken
	}
	return &apiClient{
		baseURL: strings.TrimRight(server, "/"),
		token:   token,
		http:    &http.Client{Timeout: cfg.Gateway.StartTimeout + 15*time.Second},
	}, nil
}

// do sends body as JSON and decodes the response into out. Non-2xx
// responses are returned as errors carrying the server message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// printJSON writes v indented to the command output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
