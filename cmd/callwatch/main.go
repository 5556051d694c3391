// Command callwatch joins a call as one user and follows it until it ends,
// printing view changes. It runs the same reconciler a UI client would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meetai/internal/auth"
	"meetai/internal/config"
	"meetai/internal/reconciler"
	"meetai/pkg/logger"
)

func main() {
	var (
		baseURL   = flag.String("api", "http://localhost:8080", "calls API base URL")
		callID    = flag.String("call", "", "call id to watch")
		token     = flag.String("token", "", "access token; if empty one is minted from -jwt-secret")
		jwtSecret = flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "secret used to mint a development token")
		userID    = flag.String("user", "", "user id")
		userName  = flag.String("name", "", "display name sent with a minted token")
		poll      = flag.Duration("poll", 2*time.Second, "status poll interval")
		enter     = flag.Bool("enter", false, "fetch a media token and move into the call after joining")
		end       = flag.Bool("end", false, "end the call right after joining (host only)")
	)
	flag.Parse()

	log := logger.New("local", logger.Options{})
	slog.SetDefault(log)

	if *callID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: callwatch -call <id> -user <id> [-token <jwt> | -jwt-secret <secret>]")
		os.Exit(2)
	}

	tok := *token
	if tok == "" {
		m, err := auth.NewManager(config.AuthConfig{
			JWTSecret:      *jwtSecret,
			JWTIssuer:      os.Getenv("JWT_ISSUER"),
			JWTAudience:    os.Getenv("JWT_AUDIENCE"),
			AccessTokenTTL: 12 * time.Hour,
		})
		if err != nil {
			log.Error("cannot mint token", "err", err)
			os.Exit(2)
		}
		tok, err = m.Issue(time.Now(), auth.Identity{UserID: *userID, Name: *userName})
		if err != nil {
			log.Error("cannot mint token", "err", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec, err := reconciler.New(reconciler.Config{
		API:          reconciler.NewHTTPClient(*baseURL, tok, reconciler.ClientOptions{}),
		Events:       reconciler.WSEventSource{BaseURL: *baseURL, Token: tok},
		CallID:       *callID,
		UserID:       *userID,
		PollInterval: *poll,
		OnEnded: func(reason string) {
			log.Info("call ended", "call_id", *callID, "reason", reason)
		},
		Logger: log,
	})
	if err != nil {
		log.Error("reconciler init failed", "err", err)
		os.Exit(2)
	}

	var runErr error
	done := make(chan struct{})
	go func() {
		runErr = rec.Run(ctx)
		close(done)
	}()

	if *enter || *end {
		if waitForJoin(ctx, rec, done) {
			if *enter {
				if _, err := rec.Enter(ctx); err != nil {
					log.Warn("enter failed", "err", err)
				} else {
					log.Info("in call", "call_id", *callID)
				}
			}
			if *end {
				if err := rec.EndCall(ctx); err != nil {
					log.Warn("end call failed", "err", err)
				}
			}
		}
	}

	<-done
	if runErr != nil && ctx.Err() == nil {
		log.Error("watch failed", "err", runErr)
		os.Exit(1)
	}
}

// waitForJoin reports whether the user was admitted before Run stopped.
func waitForJoin(ctx context.Context, rec *reconciler.Reconciler, done <-chan struct{}) bool {
	select {
	case <-rec.Joined():
		return true
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
}
