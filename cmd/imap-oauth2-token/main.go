// Command imap-oauth2-token obtains a Google OAuth2 access token usable as
// IMAP_TOKEN, either through the browser consent flow or from a refresh
// token.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/99designs/keyring"
	imap "github.com/BrianLeishman/imap-mcp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	mailScope     = "https://mail.google.com/"
	emailScope    = "https://www.googleapis.com/auth/userinfo.email"
	userinfoURL   = "https://www.googleapis.com/oauth2/v1/userinfo"
	consentWindow = 5 * time.Minute
)

type tokenOutput struct {
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

func main() {
	app := &cli.App{
		Name:  "imap-oauth2-token",
		Usage: "obtain a Gmail access token for IMAP XOAUTH2/OAUTHBEARER",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "client-id", Usage: "OAuth2 client id", EnvVars: []string{"GOOGLE_CLIENT_ID"}, Required: true},
			&cli.StringFlag{Name: "client-secret", Usage: "OAuth2 client secret", EnvVars: []string{"GOOGLE_CLIENT_SECRET"}, Required: true},
			&cli.StringFlag{Name: "listen", Usage: "`ADDR` of the local redirect listener", Value: "localhost:8080"},
			&cli.StringFlag{Name: "refresh-token", Usage: "exchange this refresh token instead of asking for consent", EnvVars: []string{"GOOGLE_REFRESH_TOKEN"}},
			&cli.StringSliceFlag{Name: "allow", Usage: "only accept tokens for these e-mail addresses"},
			&cli.StringFlag{Name: "store", Usage: "save the access token in the system keyring under `KEY`, for IMAP_TOKEN=keyring:KEY"},
		},
		Action: run,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("imap-oauth2-token failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx := c.Context
	conf := &oauth2.Config{
		ClientID:     c.String("client-id"),
		ClientSecret: c.String("client-secret"),
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://" + c.String("listen") + "/",
		Scopes:       []string{mailScope, emailScope},
	}

	var (
		tok *oauth2.Token
		err error
	)
	if rt := c.String("refresh-token"); rt != "" {
		tok, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
		if err != nil {
			return errors.Wrap(err, "refresh token exchange")
		}
	} else {
		tok, err = consent(ctx, conf, c.String("listen"))
		if err != nil {
			return err
		}
	}

	out := tokenOutput{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if allow := c.StringSlice("allow"); len(allow) > 0 {
		email, err := userEmail(ctx, conf, tok)
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(allow, func(a string) bool { return strings.EqualFold(a, email) }) {
			return errors.Errorf("account %s is not in the allow list", email)
		}
		out.Email = email
	}

	if key := c.String("store"); key != "" {
		if err := store(key, tok); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// consent runs the authorization code flow through a redirect listener on
// addr.
func consent(ctx context.Context, conf *oauth2.Config, addr string) (*oauth2.Token, error) {
	state := uuid.NewString()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "redirect listener")
	}

	codes := make(chan string, 1)
	failures := make(chan error, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			switch {
			case q.Get("state") != state:
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			case q.Get("error") != "":
				http.Error(w, "authorization failed", http.StatusBadRequest)
				select {
				case failures <- errors.Errorf("authorization failed: %s", q.Get("error")):
				default:
				}
				return
			}
			fmt.Fprintln(w, "Authorization complete, you can close this window.")
			select {
			case codes <- q.Get("code"):
			default:
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	url := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(os.Stderr, "Open this URL in a browser to authorize mailbox access:\n\n%s\n\n", url)

	ctx, cancel := context.WithTimeout(ctx, consentWindow)
	defer cancel()
	select {
	case code := <-codes:
		tok, err := conf.Exchange(ctx, code)
		if err != nil {
			return nil, errors.Wrap(err, "authorization code exchange")
		}
		return tok, nil
	case err := <-failures:
		return nil, err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for authorization")
	}
}

func userEmail(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) (string, error) {
	resp, err := conf.Client(ctx, tok).Get(userinfoURL)
	if err != nil {
		return "", errors.Wrap(err, "userinfo request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("userinfo request: %s", resp.Status)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", errors.Wrap(err, "decode userinfo")
	}
	if info.Email == "" {
		return "", errors.New("userinfo response has no email")
	}
	return info.Email, nil
}

// store saves the access token under key and, when present, the refresh
// token under key + ".refresh".
func store(key string, tok *oauth2.Token) error {
	ring, err := imap.OpenKeyring()
	if err != nil {
		return err
	}
	items := []keyring.Item{{Key: key, Data: []byte(tok.AccessToken), Label: "IMAP access token"}}
	if tok.RefreshToken != "" {
		items = append(items, keyring.Item{Key: key + ".refresh", Data: []byte(tok.RefreshToken), Label: "IMAP refresh token"})
	}
	for _, item := range items {
		if err := ring.Set(item); err != nil {
			return errors.Wrapf(err, "store %q", item.Key)
		}
	}
	fmt.Fprintf(os.Stderr, "stored access token as keyring:%s\n", key)
	return nil
}
