package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/forgehq/runtime-core/internal/proto"
	"github.com/forgehq/runtime-core/internal/types"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage and connect to runtime-core sessions",
}

var (
	createRuntime string
	createVersion string
	createEnv     string
	createForce   bool
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create [user_ref] [project_ref]",
	Short: "Assign a sandbox and open a session for a user/project",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		body, _ := json.Marshal(map[string]any{
			"user_ref":          args[0],
			"project_ref":       args[1],
			"runtime":           createRuntime,
			"version":           createVersion,
			"environment_class": createEnv,
			"force_new":         createForce,
		})
		resp, err := apiClient().Post(apiURL("/v1/sessions"), "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("failed to connect: %v\nis the server running?\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			fmt.Printf("create failed: %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}
		var out struct {
			SessionID string `json:"session_id"`
			SandboxID string `json:"sandbox_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Printf("bad response: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("session %s (sandbox %s)\n", out.SessionID, out.SandboxID)
	},
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active sessions",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiClient().Get(apiURL("/v1/sessions"))
		if err != nil {
			fmt.Printf("error connecting to server: %v\nis the server running?\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("server returned error: %s\n", resp.Status)
			os.Exit(1)
		}
		var out struct {
			Sessions []types.Session `json:"sessions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Printf("error parsing response: %v\n", err)
			os.Exit(1)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tPROJECT\tSANDBOX\tSTARTED")
		for _, s := range out.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.UserRef, s.ProjectRef, s.AssignedSandboxRef, s.StartedAt.Format(time.RFC3339))
		}
		w.Flush()
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm [session-id]",
	Short: "End a session and reap its sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		req, _ := http.NewRequest(http.MethodDelete, apiURL("/v1/sessions/"+args[0]), nil)
		resp, err := apiClient().Do(req)
		if err != nil {
			fmt.Printf("failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			fmt.Printf("end failed: %s\n", resp.Status)
			os.Exit(1)
		}
		fmt.Println("session ended")
	},
}

var (
	replToken   string
	replProject string
)

var sessionReplCmd = &cobra.Command{
	Use:   "repl [session-id]",
	Short: "Open an interactive terminal against a session's sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRepl(args[0], replProject, replToken, nil)
	},
}

var (
	execCommand string
)

var sessionExecCmd = &cobra.Command{
	Use:   "exec [user_ref] [project_ref]",
	Short: "Create a session, run one command, print its output, and tear the session down",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		body, _ := json.Marshal(map[string]any{
			"user_ref":          args[0],
			"project_ref":       args[1],
			"runtime":           createRuntime,
			"version":           createVersion,
			"environment_class": createEnv,
		})
		resp, err := apiClient().Post(apiURL("/v1/sessions"), "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("failed to connect: %v\n", err)
			os.Exit(1)
		}
		var out struct {
			SessionID string `json:"session_id"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if decodeErr != nil {
			fmt.Printf("bad response: %v\n", decodeErr)
			os.Exit(1)
		}
		fmt.Printf("session %s created\n", out.SessionID)

		exitCh := make(chan struct{})
		runRepl(out.SessionID, args[1], replToken, &execCommand, exitCh)
		<-exitCh

		req, _ := http.NewRequest(http.MethodDelete, apiURL("/v1/sessions/"+out.SessionID), nil)
		apiClient().Do(req)
		fmt.Println("session ended")
	},
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func apiURL(path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// runRepl dials /v1/ide/connect, authenticates, opens one terminal, and
// pumps stdin/stdout through terminal_data/terminal_output frames. If
// oneShot is non-nil its command is sent once and the connection closes on
// the first terminal_closed instead of reading interactively.
func runRepl(sessionID, project, token string, oneShot *string, doneSignal ...chan struct{}) {
	u, err := url.Parse(apiURL("/v1/ide/connect"))
	if err != nil {
		fmt.Printf("bad server URL: %v\n", err)
		os.Exit(1)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)

	fmt.Printf("connecting to %s...\n", u.String())
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Printf("dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	auth := proto.Auth{
		Type:    proto.TypeAuth,
		Token:   token,
		Project: project,
		Client:  types.ClientDescriptor{Kind: "forge-cli", Version: "dev"},
	}
	if err := conn.WriteJSON(auth); err != nil {
		fmt.Printf("auth send failed: %v\n", err)
		os.Exit(1)
	}

	var ack proto.AuthAck
	if err := conn.ReadJSON(&ack); err != nil {
		fmt.Printf("auth failed: %v\n", err)
		os.Exit(1)
	}

	create := proto.TerminalCreate{Type: proto.TypeTerminalCreate, Shell: "/bin/sh", Rows: 24, Cols: 80}
	if err := conn.WriteJSON(create); err != nil {
		fmt.Printf("terminal create failed: %v\n", err)
		os.Exit(1)
	}
	var created proto.TerminalCreated
	if err := conn.ReadJSON(&created); err != nil {
		fmt.Printf("terminal create failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("connected! type your commands below. CTRL+C to exit.")

	done := make(chan struct{})
	go pumpOutput(conn, created.TerminalID, done)

	if oneShot != nil {
		_ = conn.WriteJSON(proto.TerminalData{Type: proto.TypeTerminalData, TerminalID: created.TerminalID, Bytes: base64.StdEncoding.EncodeToString([]byte(*oneShot + "\nexit\n"))})
		<-done
		if len(doneSignal) > 0 {
			close(doneSignal[0])
		}
		return
	}

	go pumpStdin(conn, created.TerminalID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-done:
	case <-interrupt:
		fmt.Println("interrupt received, closing...")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func pumpOutput(conn *websocket.Conn, terminalID string, done chan struct{}) {
	defer close(done)
	for {
		var env proto.Envelope
		_, raw, err := conn.ReadMessage()
		if err != nil {
			fmt.Printf("\nconnection closed: %v\n", err)
			return
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case proto.TypeTerminalOutput:
			var out proto.TerminalOutput
			if json.Unmarshal(raw, &out) == nil {
				if data, err := base64.StdEncoding.DecodeString(out.Bytes); err == nil {
					_, _ = os.Stdout.Write(data)
				}
			}
		case proto.TypeTerminalClosed:
			fmt.Printf("\n[terminal %s closed]\n", terminalID)
			return
		case proto.TypeError:
			var em proto.ErrorMessage
			if json.Unmarshal(raw, &em) == nil {
				fmt.Printf("\n[error] %s\n", em.Message)
			}
		}
	}
}

func pumpStdin(conn *websocket.Conn, terminalID string) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			if err != io.EOF {
				fmt.Printf("\nread error: %v\n", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		msg := proto.TerminalData{Type: proto.TypeTerminalData, TerminalID: terminalID, Bytes: base64.StdEncoding.EncodeToString(buf[:n])}
		if err := conn.WriteJSON(msg); err != nil {
			fmt.Printf("\nwrite error: %v\n", err)
			return
		}
	}
}

func init() {
	sessionCreateCmd.Flags().StringVar(&createRuntime, "runtime", "python", "Sandbox runtime")
	sessionCreateCmd.Flags().StringVar(&createVersion, "version", "3.11", "Runtime version")
	sessionCreateCmd.Flags().StringVar(&createEnv, "env", "development", "Environment class")
	sessionCreateCmd.Flags().BoolVar(&createForce, "force-new", false, "Bypass the warm pool and always create fresh")

	sessionExecCmd.Flags().StringVar(&createRuntime, "runtime", "python", "Sandbox runtime")
	sessionExecCmd.Flags().StringVar(&createVersion, "version", "3.11", "Runtime version")
	sessionExecCmd.Flags().StringVar(&createEnv, "env", "development", "Environment class")
	sessionExecCmd.Flags().StringVarP(&execCommand, "command", "c", "", "Command to run")

	sessionReplCmd.Flags().StringVar(&replToken, "token", "", "Bearer token for the IDE Multiplexer auth message")
	sessionReplCmd.Flags().StringVar(&replProject, "project", "", "Project reference to authenticate with")

	sessionCmd.AddCommand(sessionCreateCmd, sessionLsCmd, sessionRmCmd, sessionReplCmd, sessionExecCmd)
	RootCmd.AddCommand(sessionCmd)
}
