package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lambdev/lambdev/internal/config"
)

// NewInvokeCommand creates the invoke command
func NewInvokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke [function]",
		Short: "Send an invocation to a running watch server",
		Long: `Invoke a function served by a running watch server and print its response.

When the project declares several functions and none is named, an
interactive picker is shown.

Examples:
  lambdev invoke                             # Invoke the only function, payload {}
  lambdev invoke handler -d '{"id": 7}'      # Inline JSON payload
  lambdev invoke handler --data-file req.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInvokeCommand,
	}

	cmd.Flags().StringP("invoke-address", "a", "", "Address of the watch server (default: 127.0.0.1)")
	cmd.Flags().IntP("invoke-port", "p", 0, "Port of the watch server (default: 9000)")
	cmd.Flags().StringP("data-ascii", "d", "", "Invocation payload as a literal string")
	cmd.Flags().String("data-file", "", "Invocation payload read from a file")
	cmd.Flags().String("output-file", "", "Write the response to a file instead of stdout")
	cmd.Flags().Duration("timeout", 10*time.Minute, "How long to wait for the response")

	return cmd
}

func runInvokeCommand(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	base, err := filepath.Abs(cfg.ProjectBase)
	if err != nil {
		return err
	}
	if err := cfg.LoadMetadata(base); err != nil {
		return err
	}

	if addr, _ := cmd.Flags().GetString("invoke-address"); addr != "" {
		cfg.InvokeAddress = addr
	}
	if port, _ := cmd.Flags().GetInt("invoke-port"); port != 0 {
		cfg.InvokePort = port
	}

	name, err := pickFunction(cfg, args)
	if err != nil {
		return err
	}

	payload, err := invokePayload(cmd.Flags())
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	client := &http.Client{Timeout: timeout}

	url := fmt.Sprintf("http://%s:%d/2015-03-31/functions/%s/invocations",
		cfg.InvokeAddress, cfg.InvokePort, name)
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to reach the watch server at %s:%d, is it running? %w",
			cfg.InvokeAddress, cfg.InvokePort, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if outputFile, _ := cmd.Flags().GetString("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, body, 0o644); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	} else {
		printResponse(cmd.OutOrStdout(), body)
	}

	if resp.Header.Get("X-Amz-Function-Error") != "" {
		return fmt.Errorf("function %s returned an error", name)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("invocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// pickFunction resolves the target function: the positional argument, the
// single declared function, or an interactive choice.
func pickFunction(cfg *config.ResolvedConfig, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	names := cfg.FunctionNames()
	switch len(names) {
	case 0:
		return "", fmt.Errorf("no functions declared, name one explicitly: lambdev invoke FUNCTION")
	case 1:
		return names[0], nil
	}

	var name string
	prompt := &survey.Select{
		Message: "Which function should be invoked?",
		Options: names,
	}
	if err := survey.AskOne(prompt, &name); err != nil {
		return "", err
	}
	return name, nil
}

func invokePayload(flags *pflag.FlagSet) ([]byte, error) {
	if data, _ := flags.GetString("data-ascii"); data != "" {
		return []byte(data), nil
	}
	if file, _ := flags.GetString("data-file"); file != "" {
		payload, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		return payload, nil
	}
	return []byte("{}"), nil
}

// printResponse pretty-prints JSON responses and passes anything else
// through untouched.
func printResponse(w io.Writer, body []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Fprintln(w, string(body))
		return
	}
	fmt.Fprintln(w, pretty.String())
}
