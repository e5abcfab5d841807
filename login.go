package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strmgate/strmgate/internal/authflow"
	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

const loginPollInterval = 2 * time.Second

func newLoginCmd() *cobra.Command {
	var (
		flagKind      string
		flagDriveID   string
		flagDriveName string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log a drive in via QR code",
		Long:  "Opens a device-grant session, prints the QR payload to scan, and saves the credential once confirmed.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLogin(flagKind, flagDriveID, flagDriveName)
		},
	}

	cmd.Flags().StringVar(&flagKind, "kind", credfile.KindOpen, "credential kind (open or web)")
	cmd.Flags().StringVar(&flagDriveID, "drive-id", "", "bind the credential to an existing drive")
	cmd.Flags().StringVar(&flagDriveName, "name", "default", "name for a drive created on first login")

	return cmd
}

func runLogin(kind, driveID, driveName string) error {
	logger := buildLogger()
	cfg := resolvedCfg
	ctx := shutdownContext(context.Background(), logger)

	if err := os.MkdirAll(cfg.CredDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	creds := credfile.NewStore(cfg.CredDir)

	client := upstream.NewClient(cfg.UpstreamBaseURL, upstream.Options{
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxInflight:       cfg.MaxInflight,
	}, logger)

	p := pool.New(creds, func(_, _ string) *upstream.Client { return client }, logger)
	flow := authflow.New(st, creds, p, client, logger)

	// First login on a fresh install needs a drive to bind to.
	if driveID == "" {
		if _, err := st.CurrentDrive(ctx); errors.Is(err, store.ErrNotFound) {
			drive := &store.Drive{
				DriveID: store.NewDriveID(kind),
				Name:    driveName,
				Kind:    kind,
			}
			drive.CredentialRef = drive.DriveID + ".json"

			if err := st.CreateDrive(ctx, drive); err != nil {
				return err
			}

			fmt.Printf("Created drive %s (%s)\n", drive.Name, drive.DriveID)
		} else if err != nil {
			return err
		}
	}

	sess, err := flow.Begin(ctx, kind)
	if err != nil {
		return err
	}

	fmt.Println("Scan this QR payload with the drive's mobile app:")
	fmt.Println()
	fmt.Printf("  %s\n", sess.QRPayload)
	fmt.Println()
	fmt.Printf("Waiting for confirmation (expires %s)...\n", sess.ExpiresAt.Local().Format(time.Kitchen))

	lastState := sess.State

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(loginPollInterval):
		}

		polled, err := flow.Poll(ctx, sess.ID)
		if err != nil {
			return err
		}

		if polled.State != lastState {
			lastState = polled.State

			if polled.State == authflow.StateAwaitingConfirm {
				fmt.Println("Scanned. Confirm the login on your device.")
			}
		}

		boundDrive, err := flow.Exchange(ctx, sess.ID, driveID)
		if errors.Is(err, authflow.ErrNotConfirmed) {
			continue
		}

		if err != nil {
			return err
		}

		fmt.Printf("Logged in. Credential saved for drive %s.\n", boundDrive)

		return nil
	}
}
