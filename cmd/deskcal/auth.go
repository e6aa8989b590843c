package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"deskcal/internal/backend/google"
	"deskcal/internal/config"
	appLog "deskcal/internal/log"
)

const (
	defaultCallbackPort = 8085
	authTimeout         = 5 * time.Minute
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to remote calendars",
	}
	cmd.AddCommand(newAuthGoogleCmd())
	return cmd
}

func newAuthGoogleCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "google <plugin-id>",
		Short: "Run the Google OAuth flow for a google plugin",
		Long: `Prints an authorization URL, waits for Google to redirect back to a
local callback and saves the token to the plugin's token_file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthGoogle(shutdownContext(cmd.Context()), cmd.OutOrStdout(), holder.Config(), args[0], port)
		},
	}
	cmd.Flags().IntVar(&port, "port", defaultCallbackPort, "local port for the OAuth callback")
	return cmd
}

func runAuthGoogle(ctx context.Context, out io.Writer, cfg *config.Config, pluginID string, port int) error {
	pc, ok := cfg.Plugin(pluginID)
	if !ok {
		return fmt.Errorf("no plugin %q in config", pluginID)
	}
	if pc.Type != config.TypeGoogle {
		return fmt.Errorf("plugin %q is a %s plugin, not google", pluginID, pc.Type)
	}

	creds, err := google.LoadCredentials(cfg.DataPath(pc.CredentialsFile))
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("starting callback server: %w", err)
	}
	oc := google.OAuthConfig(creds, fmt.Sprintf("http://localhost:%d/callback", port))
	state := uuid.NewString()

	code, err := awaitCode(ctx, listener, state, func() {
		url := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		fmt.Fprintf(out, "Open this URL in a browser to authorize deskcal:\n\n%s\n\n", url)
	})
	if err != nil {
		return err
	}

	tokenPath := cfg.DataPath(pc.TokenFile)
	if err := google.Exchange(ctx, oc, code, tokenPath); err != nil {
		return err
	}
	appLog.Info("google token saved", "plugin", pluginID, "path", tokenPath)
	fmt.Fprintln(out, "Authorization successful! Token saved.")
	return nil
}

// awaitCode serves /callback on listener until a code with the expected state
// arrives. ready is called once the server is accepting connections.
func awaitCode(ctx context.Context, listener net.Listener, state string, ready func()) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "Authorization denied", http.StatusForbidden)
			select {
			case errCh <- fmt.Errorf("authorization denied: %s", e):
			default:
			}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "No code received", http.StatusBadRequest)
			return
		}
		select {
		case codeCh <- code:
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><h1>Authorization successful!</h1><p>You can close this tab and return to the terminal.</p></body></html>`)
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- err:
			default:
			}
		}
	}()
	defer server.Close()

	ready()

	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(authTimeout):
		return "", errors.New("authorization timeout, no response received")
	}
}
