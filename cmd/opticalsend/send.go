package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rani-wehbe/opticalsend/core/handshake"
	"github.com/rani-wehbe/opticalsend/core/transfer"
	"github.com/rani-wehbe/opticalsend/core/transport"
)

func newSendCmd() *cobra.Command {
	var wsURL string

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file to a receiver over the visual and binary channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args[0], wsURL)
		},
	}

	cmd.Flags().StringVar(&wsURL, "ws", "", "binary channel websocket URL to dial (optional; visual-only if empty)")
	return cmd
}

func runSend(cmd *cobra.Command, path, wsURL string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	visual := transport.NewStdioVisualAdapter(os.Stdin, os.Stdout)
	var binaryAdapter transport.Adapter
	if wsURL != "" {
		b, err := transport.DialBinary(wsURL)
		if err != nil {
			return fmt.Errorf("binary_closed: dial %s: %w", wsURL, err)
		}
		binaryAdapter = b
	}

	sender := handshake.NewSender(uniqueSessionID())
	offer, err := sender.Start()
	if err != nil {
		return err
	}

	offerRaw, err := marshalFrame(*offer)
	if err != nil {
		return err
	}
	if err := visual.SendFrame(cmd.Context(), offerRaw); err != nil {
		return err
	}

	hsCtx, cancelHS := context.WithTimeout(cmd.Context(), defaultEngineConfig(cfg).HandshakeTimeout)
	peerFrame, err := awaitFrame(hsCtx, visual)
	cancelHS()
	if err != nil {
		return fmt.Errorf("handshake_timeout: %w", err)
	}
	if err := sender.Finalize(*peerFrame); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "fingerprint: %s (verify out-of-band with the receiver)\n", sender.Fingerprint)

	store, closeStore, err := openJournal(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	eng := transfer.NewSender(defaultEngineConfig(cfg), store, visual, binaryAdapter, sender.SessionKey, log)
	session, err := eng.Send(cmd.Context(), path, data)
	if err != nil {
		return err
	}

	progress := session.Snapshot()
	fmt.Fprintf(os.Stderr, "transfer %s: %d/%d blocks, %d retransmits\n",
		progress.State, progress.Completed, session.TotalBlocks, progress.Retransmits)
	return nil
}

func awaitFrame(ctx context.Context, visual *transport.StdioVisualAdapter) (*handshake.Frame, error) {
	ch := make(chan handshake.Frame, 1)
	visual.OnInbound(func(data []byte) {
		var f handshake.Frame
		if unmarshalFrame(data, &f) == nil {
			select {
			case ch <- f:
			default:
			}
		}
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-ch:
		return &f, nil
	}
}
