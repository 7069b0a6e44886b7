package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/lspmux/internal/config"
	"github.com/opencode-ai/lspmux/internal/launcher"
	"github.com/opencode-ai/lspmux/internal/logging"
	"github.com/opencode-ai/lspmux/internal/protocol"
	"github.com/opencode-ai/lspmux/internal/rpc"
	"github.com/opencode-ai/lspmux/internal/session"
	"github.com/opencode-ai/lspmux/internal/workspace"
)

var (
	requestMethod  string
	requestParams  string
	requestWindow  int
	requestConfig  string
	requestTimeout time.Duration
	requestNoOpen  bool
)

var requestCmd = &cobra.Command{
	Use:   "request <file>",
	Short: "Send one request to the language server of a file",
	Long: `Start the language server responsible for <file>, send a single
request and print its result.

Without --params the request carries a textDocument identifier for the
file. The file is opened with textDocument/didOpen first unless --no-open
is given. The session is shut down before the command returns.`,
	Example: `  lspmux request main.go --method textDocument/documentSymbol
  lspmux request app.py --method textDocument/hover --params '{"textDocument":{"uri":"file:///src/app.py"},"position":{"line":3,"character":5}}'`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVarP(&requestMethod, "method", "m", "", "Request method")
	requestCmd.Flags().StringVarP(&requestParams, "params", "p", "", "Request params as JSON")
	requestCmd.Flags().IntVarP(&requestWindow, "window", "w", 1, "Window id the session belongs to")
	requestCmd.Flags().StringVar(&requestConfig, "client", "", "Configuration name (default: selected from the file)")
	requestCmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", 30*time.Second, "Timeout for start and request")
	requestCmd.Flags().BoolVar(&requestNoOpen, "no-open", false, "Do not send textDocument/didOpen")
	requestCmd.MarkFlagRequired("method")
}

func runRequest(cmd *cobra.Command, args []string) error {
	dir, settings, err := loadSettings()
	if err != nil {
		return err
	}

	file, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	projectPath := workspace.FindRoot(filepath.Dir(file))
	if workDir != "" {
		projectPath = dir
	}

	name := requestConfig
	if name == "" {
		cfg, ok := config.NewSelector(settings, projectPath).Select(file)
		if !ok {
			return fmt.Errorf("no configuration handles %s", file)
		}
		name = cfg.Name
	}

	var params json.RawMessage
	if requestParams != "" {
		if !json.Valid([]byte(requestParams)) {
			return fmt.Errorf("--params is not valid JSON")
		}
		params = json.RawMessage(requestParams)
	} else {
		params, _ = json.Marshal(map[string]any{
			"textDocument": map[string]string{"uri": workspace.FileToURI(file)},
		})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	manager := session.NewManager()
	l := launcher.New(manager, settings, launcher.WithErrorDisplay(func(message string) {
		fmt.Fprintln(os.Stderr, warnColor.Sprint(message))
	}))
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("sessions did not shut down")
		}
	}()

	w := session.WindowID(requestWindow)
	client, err := l.Start(ctx, w, name, projectPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, dimColor.Sprintf("%s ready in %s", name, projectPath))

	if !requestNoOpen {
		if err := openDocument(client, file); err != nil {
			return err
		}
	}

	result, err := sendAndWait(ctx, client, protocol.NewRequest(requestMethod, params))
	if err != nil {
		return err
	}
	return printRawJSON(cmd.OutOrStdout(), result)
}

// openDocument sends textDocument/didOpen for file.
func openDocument(client *rpc.Client, file string) error {
	text, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return client.SendNotification(protocol.NewNotification("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{
			"uri":        workspace.FileToURI(file),
			"languageId": languageID(file),
			"version":    1,
			"text":       string(text),
		},
	}))
}

// sendAndWait sends req and blocks until its response, the end of the
// connection or ctx.
func sendAndWait(ctx context.Context, client *rpc.Client, req *protocol.Request) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	_, err := client.SendRequest(req,
		func(result json.RawMessage) { done <- outcome{result: result} },
		func(e *protocol.Error) { done <- outcome{err: e} },
	)
	if err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-client.Done():
		return nil, rpc.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var languageIDs = map[string]string{
	".go":   "go",
	".py":   "python",
	".rs":   "rust",
	".ts":   "typescript",
	".tsx":  "typescriptreact",
	".js":   "javascript",
	".jsx":  "javascriptreact",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".java": "java",
	".rb":   "ruby",
	".lua":  "lua",
	".sh":   "shellscript",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".md":   "markdown",
}

// languageID derives the document language from the file extension.
func languageID(file string) string {
	if id, ok := languageIDs[filepath.Ext(file)]; ok {
		return id
	}
	return "plaintext"
}
