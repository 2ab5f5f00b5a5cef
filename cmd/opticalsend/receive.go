package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/rani-wehbe/opticalsend/core/handshake"
	"github.com/rani-wehbe/opticalsend/core/transfer"
	"github.com/rani-wehbe/opticalsend/core/transport"
)

func newReceiveCmd() *cobra.Command {
	var wsListen string
	var outPath string
	var blockSize int
	var preferCompression string

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive a file sent over the visual and binary channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd, wsListen, outPath, blockSize, preferCompression)
		},
	}

	cmd.Flags().StringVar(&wsListen, "ws-listen", "", "address to serve the binary channel websocket on (e.g. :8443); visual-only if empty")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the reassembled file to (required)")
	cmd.Flags().IntVar(&blockSize, "block-size", 1024, "requested block size, offered to the sender during the handshake")
	cmd.Flags().StringVar(&preferCompression, "prefer-compression", "auto", "requested compression preference, offered to the sender during the handshake")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runReceive(cmd *cobra.Command, wsListen, outPath string, blockSize int, preferCompression string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger()

	visual := transport.NewStdioVisualAdapter(os.Stdin, os.Stdout)

	var binaryAdapter transport.Adapter
	var srv *http.Server
	if wsListen != "" {
		adapterCh := make(chan *transport.BinaryAdapter, 1)
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			a, err := transport.ServeBinary(w, r)
			if err != nil {
				return
			}
			select {
			case adapterCh <- a:
			default:
			}
		})
		srv = &http.Server{Addr: wsListen, Handler: mux}
		go func() { _ = srv.ListenAndServe() }()
		defer srv.Close()

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case a := <-adapterCh:
			binaryAdapter = a
		}
	}

	receiver := handshake.NewReceiver()

	hsCtx, cancelHS := context.WithTimeout(cmd.Context(), defaultEngineConfig(cfg).HandshakeTimeout)
	offerFrame, err := awaitFrame(hsCtx, visual)
	cancelHS()
	if err != nil {
		return fmt.Errorf("handshake_timeout: %w", err)
	}

	response, err := receiver.Respond(*offerFrame, blockSize, preferCompression)
	if err != nil {
		return err
	}

	respRaw, err := marshalFrame(*response)
	if err != nil {
		return err
	}
	if err := visual.SendFrame(cmd.Context(), respRaw); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "fingerprint: %s (verify out-of-band with the sender)\n", receiver.Fingerprint)

	store, closeStore, err := openJournal(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	eng := transfer.NewReceiver(defaultEngineConfig(cfg), store, visual, binaryAdapter, receiver.SessionKey, log)

	data, session, err := eng.Listen(cmd.Context())
	if err != nil {
		return err
	}

	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	progress := session.Snapshot()
	fmt.Fprintf(os.Stderr, "received %s: %d/%d blocks, %d retransmits, wrote %s\n",
		progress.State, progress.Completed, session.TotalBlocks, progress.Retransmits, outPath)
	return nil
}
