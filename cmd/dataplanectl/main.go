// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dataplanectl is a thin HTTP client for internal/controlplane's
// API, letting an operator install tenants/VNI mappings, replace the
// policy vector, configure NAT pools and tunnels, set rate limits, apply
// a whole HCL document, or read back stats, without hand-writing curl
// commands against spec.md §6's external interface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:           "dataplanectl",
		Short:         "Control-plane client for the data-plane core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "control-plane API base address")

	cmd.AddCommand(
		newTenantCmd(&addr),
		newVNICmd(&addr),
		newPoliciesCmd(&addr),
		newNATPoolCmd(&addr),
		newTunnelCmd(&addr),
		newRateLimitCmd(&addr),
		newApplyCmd(&addr),
		newStatsCmd(&addr),
		newHealthCmd(&addr),
	)
	return cmd
}

func doJSON(method, addr, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, addr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(respBody))
	}
	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// newRawRequest builds a request whose body is sent verbatim, for the
// "apply" subcommand which uploads an HCL document rather than JSON.
func newRawRequest(method, url string, body []byte) (*http.Request, error) {
	return http.NewRequest(method, url, bytes.NewReader(body))
}

func doRawRequest(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, string(respBody))
	}
	fmt.Println(string(respBody))
	return nil
}
