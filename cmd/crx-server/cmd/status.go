package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/oshokin/crx-server/internal/api/grpc/health"
)

func newStatusCommand() *cobra.Command {
	var (
		address string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the control endpoint of a running server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if address == "" {
				return errControlAddrRequired
			}

			ctx, cancel := context.WithTimeout(contextOrBackground(cmd), timeout)
			defer cancel()

			serving, err := health.Probe(ctx, address)
			if err != nil {
				code := status.Code(err)

				return fmt.Errorf("%s: %s: %w", address, strings.ToLower(code.String()), err)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), serving.String())

			if serving != healthpb.HealthCheckResponse_SERVING {
				return errNotServing
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "control-addr", "a", "", "control endpoint address, e.g. 127.0.0.1:9001")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")

	return cmd
}
