package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/noisestream"
)

var rootCmd = &cobra.Command{
	Use:   "noisepeer",
	Short: "Demo peer for an encrypted duplex byte stream over Noise XX",
}

var (
	flagAddr     string
	flagLogLevel string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddr, "addr", "127.0.0.1:4242", "TCP address to listen on or dial")
	flags.StringVar(&flagLogLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		lvl, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return fmt.Errorf("log-level: %w", err)
		}
		zerolog.SetGlobalLevel(lvl)
		return nil
	}

	rootCmd.AddCommand(listenCmd, dialCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept one connection and echo every message back",
	RunE:  runListen,
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Connect, read lines from stdin, and print what comes back",
	RunE:  runDial,
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", flagAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.Info().Str("addr", flagAddr).Msg("listening")

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	logger := log.With().Str("session", uuid.New().String()).Logger()
	s, err := noisestream.New(noisestream.RoleResponder, conn, noisestream.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer s.Close(nil)

	if err := s.Handshake(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	logger.Info().Str("remote_public_key", fmt.Sprintf("%x", s.RemotePublicKey())).Msg("peer authenticated")

	for {
		msg, err := s.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("session ended")
			return nil
		}
		logger.Info().Int("len", len(msg)).Msg("received, echoing back")
		if err := s.WriteMessage(msg); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

func runDial(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := net.Dial("tcp", flagAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	logger := log.With().Str("session", uuid.New().String()).Logger()
	s, err := noisestream.New(noisestream.RoleInitiator, conn, noisestream.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer s.Close(nil)

	if err := s.Handshake(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	logger.Info().Str("remote_public_key", fmt.Sprintf("%x", s.RemotePublicKey())).Msg("peer authenticated")

	go func() {
		for {
			msg, err := s.ReadMessage()
			if err != nil {
				return
			}
			fmt.Printf("< %s\n", msg)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := s.WriteMessage(scanner.Bytes()); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	<-ctx.Done()
	return nil
}
