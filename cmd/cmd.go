// Package cmd parses args to configure and run the application.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"meshcall/call"
	"meshcall/mesh"
	"meshcall/metric"
	"meshcall/peer"
	"meshcall/signal"
	"meshcall/signal/auth"
	"meshcall/state"
)

// ShutdownTimeout bounds the graceful shutdown of the relay.
const ShutdownTimeout = 5 * time.Second

// Usage is printed when no valid subcommand is given.
const Usage = `usage: meshcall <command> [flags]

commands:
  relay   run the signaling relay
  join    join a meeting as a participant
  token   sign a relay token
`

// ErrUnknownCommand is returned for a missing or unknown subcommand.
var ErrUnknownCommand = errors.New("unknown command")

// Run starts the application.
func Run() {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Execute(ctx, os.Stdout, os.Args[1:]); err != nil {
		log.Printf("error occurs in meshcall: %v", err)
		stop()
		os.Exit(1)
	}
}

// Execute runs the subcommand named by the first argument until ctx is done.
func Execute(ctx context.Context, w io.Writer, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(w, Usage)
		return ErrUnknownCommand
	}

	switch args[0] {
	case "relay":
		config, err := ParseRelay(w, args[1:])
		if err != nil {
			return err
		}
		if err := config.Validate(); err != nil {
			return err
		}
		return runRelay(ctx, config)
	case "join":
		config, err := ParseJoin(w, args[1:])
		if err != nil {
			return err
		}
		if err := config.Validate(); err != nil {
			return err
		}
		return runJoin(ctx, config)
	case "token":
		config, err := ParseToken(w, args[1:])
		if err != nil {
			return err
		}
		if err := config.Validate(); err != nil {
			return err
		}
		token, err := issueToken(config)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, token)
		return nil
	default:
		fmt.Fprint(w, Usage)
		return fmt.Errorf("%q: %w", args[0], ErrUnknownCommand)
	}
}

func runRelay(ctx context.Context, config RelayConfig) error {
	metrics := metric.New(config.Metrics)
	metrics.Start()
	defer func() {
		if err := metrics.Stop(); err != nil {
			log.Printf("failed to stop metrics server: %v", err)
		}
	}()
	go metrics.CollectSystemMetrics(ctx)

	s, err := signal.New(config.Signal, metrics)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdown); err != nil {
		return fmt.Errorf("failed to shut down relay: %w", err)
	}
	return <-errc
}

func runJoin(ctx context.Context, config call.Config) error {
	c, err := call.New(ctx, config, call.Dependencies{}, logCallbacks())
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("failed to close call: %v", err)
		}
	}()
	log.Printf("joining meeting %s as %s", config.MeetingID, config.ParticipantID)
	return c.Run(ctx)
}

func logCallbacks() mesh.Callbacks {
	return mesh.Callbacks{
		OnRemoteMedia: func(participantID string, track peer.RemoteTrack) {
			log.Printf("receiving %s track %s from %s", track.Kind(), track.ID(), participantID)
		},
		OnRemoteMediaRemoved: func(participantID string) {
			log.Printf("media of %s removed", participantID)
		},
		OnParticipantStateChanged: func(participantID string, s state.State) {
			log.Printf("state of %s changed: %+v", participantID, s)
		},
		OnParticipantDisconnected: func(participantID string) {
			log.Printf("%s disconnected", participantID)
		},
		OnSessionStateChanged: func(s mesh.SessionState) {
			log.Printf("session %s", s)
		},
		OnParticipantRemoved: func(participantID string) {
			log.Printf("%s removed", participantID)
		},
	}
}

func issueToken(config TokenConfig) (string, error) {
	authority, err := auth.New(config.Secret, config.TTL)
	if err != nil {
		return "", err
	}
	return authority.Issue(config.MeetingID, config.ParticipantID)
}
