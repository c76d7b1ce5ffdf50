package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KennLDN/mc-panel-docker/internal/fleet"
	"github.com/KennLDN/mc-panel-docker/internal/server"
)

const (
	defaultAPIURL     = "http://127.0.0.1:8080"
	defaultAPITimeout = 10 * time.Second
	maxErrorBodyBytes = 4096
)

// adminClient talks to the control API of a running relay.
type adminClient struct {
	base   string
	client *http.Client
}

func newAdminClient(cmd *cobra.Command) (*adminClient, error) {
	base, err := cmd.Flags().GetString("api")
	if err != nil {
		return nil, fmt.Errorf("failed to get api flag: %w", err)
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return nil, fmt.Errorf("failed to get timeout flag: %w", err)
	}

	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid api URL %q: %w", base, err)
	}

	return &adminClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *adminClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr server.ErrorResponse

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s (%d)", apiErr.Code, apiErr.Message, resp.StatusCode)
		}

		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// adminCmd creates the admin command.
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative commands",
		Long:  `Administrative commands for a running mc-relay, sent over its control API.`,
	}

	cmd.PersistentFlags().String("api", defaultAPIURL, "Base URL of the relay control API")
	cmd.PersistentFlags().Duration("timeout", defaultAPITimeout, "Request timeout")

	cmd.AddCommand(servicesCmd())
	cmd.AddCommand(historyCmd())

	return cmd
}

// servicesCmd manages backends.
func servicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Manage game server backends",
	}

	cmd.AddCommand(servicesListCmd())
	cmd.AddCommand(servicesAddCmd())
	cmd.AddCommand(servicesDeleteCmd())

	return cmd
}

func servicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known backends and their connection state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			var services []fleet.ServiceStatus
			if err := client.do(cmd.Context(), http.MethodGet, "/api/services", nil, &services); err != nil {
				return err
			}

			printServices(cmd.OutOrStdout(), services)

			return nil
		},
	}
}

func printServices(out io.Writer, services []fleet.ServiceStatus) {
	if len(services) == 0 {
		_, _ = fmt.Fprintln(out, "No services registered")

		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tADDRESS\tREACHABLE\tSTATE\tATTEMPTS\tOBSERVERS")

	for _, s := range services {
		_, _ = fmt.Fprintf(w, "%s\t%s:%d\t%t\t%s\t%d\t%d\n",
			s.Name, s.Address, s.Port, s.Reachable, s.State, s.Attempts, s.Observers)
	}

	_ = w.Flush()
}

func servicesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Register a backend by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := cmd.Flags().GetString("address")
			if err != nil {
				return fmt.Errorf("failed to get address flag: %w", err)
			}

			port, err := cmd.Flags().GetInt("port")
			if err != nil {
				return fmt.Errorf("failed to get port flag: %w", err)
			}

			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			var st fleet.ServiceStatus

			req := server.RegisterRequest{Name: args[0], Address: address, Port: port}
			if err := client.do(cmd.Context(), http.MethodPost, "/api/services", req, &st); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered %s at %s:%d (%s)\n", st.Name, st.Address, st.Port, st.State)

			return nil
		},
	}

	cmd.Flags().StringP("address", "a", "", "Host or IP of the backend console")
	cmd.Flags().IntP("port", "p", 0, "Port of the backend console")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

func servicesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [name]",
		Short: "Remove a backend and disconnect its observers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			path := "/api/services/" + url.PathEscape(args[0])
			if err := client.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])

			return nil
		},
	}
}

// historyCmd prints the trailing upstream window of a backend.
func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [name]",
		Short: "Show the most recent console output of a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			var history server.HistoryResponse

			path := "/api/services/" + url.PathEscape(args[0]) + "/messages"
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &history); err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			for _, m := range history.Messages {
				if m.IsBinary {
					_, _ = fmt.Fprintf(out, "%s [binary] %s\n", m.Timestamp.Format(time.RFC3339), m.Payload)

					continue
				}

				_, _ = fmt.Fprintf(out, "%s %s\n", m.Timestamp.Format(time.RFC3339), m.Payload)
			}

			return nil
		},
	}
}
