package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/wrenproxy/internal/config"
)

const apiKeyEnv = "WREN_API_KEY"

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("api-key", "", "Wren API key (default $"+apiKeyEnv+")")
	cmd.Flags().String("server", "", "wrenproxy server URL (default from config)")
	cmd.Flags().String("project-id", "", "Wren project ID")
}

// clientFromFlags resolves the API key and server URL shared by the client
// commands.
func clientFromFlags(cmd *cobra.Command) (*apiClient, error) {
	key, _ := cmd.Flags().GetString("api-key")
	if key == "" {
		key = os.Getenv(apiKeyEnv)
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("API key is required: pass --api-key or set %s", apiKeyEnv)
	}
	serverURL, _ := cmd.Flags().GetString("server")
	return newAPIClient(serverURL, key)
}

func printJSON(w io.Writer, raw json.RawMessage) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		w.Write(raw)
		fmt.Fprintln(w)
		return
	}
	out.WriteByte('\n')
	out.WriteTo(w)
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that an API key can access a Wren project",
	Long: `Check that an API key can access a Wren project.

Examples:
  wrenproxy validate --project-id 11237 --api-key $WREN_API_KEY`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project-id")
		if strings.TrimSpace(projectID) == "" {
			return fmt.Errorf("--project-id is required")
		}

		client, err := clientFromFlags(cmd)
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/validate-key?project_id="+url.QueryEscape(projectID))
		if err != nil {
			return err
		}
		project, err := readJSON(resp)
		if err != nil {
			return err
		}

		printSuccess("API key has access to project %s", projectID)
		printJSON(cmd.OutOrStdout(), project)
		return nil
	},
}

func init() {
	addClientFlags(validateCmd)
}

// --- call ---

var callCmd = &cobra.Command{
	Use:   "call <endpoint-path>",
	Short: "Send a request to a Wren endpoint through the relay",
	Long: `Send a request to a Wren endpoint through the relay.

Examples:
  wrenproxy call ask --project-id 11237 --text "Top 10 customers by revenue"
  wrenproxy call generate_sql --project-id 11237 --text "orders per month" --payload '{"language":"English"}'
  wrenproxy call stream/ask --stream --project-id 11237 --text "How many orders last week?"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := strings.TrimPrefix(args[0], "/")
		projectID, _ := cmd.Flags().GetString("project-id")
		text, _ := cmd.Flags().GetString("text")
		payload, _ := cmd.Flags().GetString("payload")
		method, _ := cmd.Flags().GetString("method")
		stream, _ := cmd.Flags().GetBool("stream")

		if strings.TrimSpace(projectID) == "" {
			return fmt.Errorf("--project-id is required")
		}

		req := map[string]any{"project_id": projectID}
		if cmd.Flags().Changed("text") {
			req["text"] = text
		}
		if payload != "" {
			raw := json.RawMessage(bytes.TrimSpace([]byte(payload)))
			var extra map[string]json.RawMessage
			if err := json.Unmarshal(raw, &extra); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
			if extra == nil {
				return fmt.Errorf("--payload must be a JSON object")
			}
			// Forwarded as given so key order survives.
			req["additional_payload"] = raw
		}

		client, err := clientFromFlags(cmd)
		if err != nil {
			return err
		}

		if stream {
			return streamCall(cmd, client, endpoint, req)
		}

		resp, err := client.do(cmd.Context(), strings.ToUpper(method), "/wren-call/"+endpoint, req)
		if err != nil {
			return err
		}
		body, err := readJSON(resp)
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), body)
		return nil
	},
}

func streamCall(cmd *cobra.Command, client *apiClient, endpoint string, req map[string]any) error {
	resp, err := client.post(cmd.Context(), "/stream-call/"+endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return responseError(resp.StatusCode, body)
	}

	if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func init() {
	addClientFlags(callCmd)
	callCmd.Flags().String("text", "", "question text")
	callCmd.Flags().String("payload", "", "additional payload as a JSON object")
	callCmd.Flags().String("method", "POST", "HTTP method for unary calls (POST, PUT, PATCH, DELETE)")
	callCmd.Flags().Bool("stream", false, "relay the endpoint as an event stream")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
