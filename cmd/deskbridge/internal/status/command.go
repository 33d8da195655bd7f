package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/deskbridge/cmd/deskbridge/internal"
	"github.com/tinyland-inc/deskbridge/pkg/bridge"
	"github.com/tinyland-inc/deskbridge/pkg/client"
	"github.com/tinyland-inc/deskbridge/pkg/protocol"
)

func NewStatusCommand() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running bridge",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return statusCmd(probe)
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "Also perform a protocol-level ping over /ws")

	return cmd
}

func statusCmd(probe bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	base := fmt.Sprintf("%s:%d", cfg.Bridge.Host, cfg.Bridge.Port)

	httpClient := &http.Client{Timeout: 3 * time.Second}
	resp, err := httpClient.Get(fmt.Sprintf("http://%s/status", base))
	if err != nil {
		fmt.Printf("✗ Bridge unreachable at %s\n", base)
		return err
	}
	defer resp.Body.Close()

	var snap bridge.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Printf("%s Bridge at %s\n\n", internal.Logo, base)
	for _, role := range []string{string(protocol.RoleAgent), string(protocol.RoleEditor)} {
		ps := snap.Peers[role]
		mark := "✗"
		detail := ""
		if ps.State == "active" {
			mark = "✓"
			detail = fmt.Sprintf(" (session %s, last seen %s)",
				shortID(ps.SessionID), ps.LastSeen.Format(time.TimeOnly))
		}
		fmt.Printf("  %s %-7s %s%s\n", mark, role, ps.State, detail)
		if ps.QueueDepth > 0 {
			fmt.Printf("    • %d message(s) queued\n", ps.QueueDepth)
		}
	}

	if !probe {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, fmt.Sprintf("ws://%s/ws", base))
	if err != nil {
		return fmt.Errorf("probe dial: %w", err)
	}
	defer c.Close()

	if err := c.Register(ctx, protocol.RoleEditor); err != nil {
		return fmt.Errorf("probe register: %w", err)
	}

	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("probe ping: %w", err)
	}
	fmt.Printf("\n✓ Probe ping round trip: %s\n", time.Since(start).Round(time.Microsecond))
	fmt.Println("⚠ Probe registered as editor; an attached editor was superseded and should reconnect")

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
