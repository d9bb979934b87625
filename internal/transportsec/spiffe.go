// Package transportsec provides optional mTLS credentials for the
// consumerapi gRPC server via SPIFFE/SPIRE. This secures who may
// subscribe to decoded events; it has nothing to do with identifying
// the traffic being observed (internal/identity covers that, spec §6
// Non-goals excludes authenticating observed traffic itself).
package transportsec

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SVIDSource fetches mTLS credentials for the consumerapi server from a
// SPIRE agent over its workload API socket.
type SVIDSource struct {
	source *workloadapi.X509Source
}

// NewSVIDSource connects to a SPIRE agent at socketPath. Connection
// uses a bounded timeout so a missing agent cannot hang mcptapd
// startup indefinitely.
func NewSVIDSource(socketPath string) (*SVIDSource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("transportsec: connecting to SPIRE agent: %w", err)
	}

	slog.Info("transportsec: connected to SPIRE agent", "socket_path", socketPath)
	return &SVIDSource{source: source}, nil
}

// ServerTLSConfig returns a TLS config for the consumerapi gRPC server
// that requires and verifies client SVIDs against authorizedIDs.
func (s *SVIDSource) ServerTLSConfig(trustDomain string, authorizedIDs ...string) (*tls.Config, error) {
	domain, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("transportsec: invalid trust domain %q: %w", trustDomain, err)
	}

	if len(authorizedIDs) == 0 {
		return tlsconfig.MTLSServerConfig(s.source, s.source, tlsconfig.AuthorizeMemberOf(domain)), nil
	}

	ids := make([]spiffeid.ID, 0, len(authorizedIDs))
	for _, raw := range authorizedIDs {
		id, err := spiffeid.FromString(raw)
		if err != nil {
			return nil, fmt.Errorf("transportsec: invalid authorized SPIFFE ID %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return tlsconfig.MTLSServerConfig(s.source, s.source, tlsconfig.AuthorizeOneOf(ids...)), nil
}

// Close releases the workload API connection.
func (s *SVIDSource) Close() error {
	return s.source.Close()
}

// WorkloadID builds the SPIFFE ID a given workload (mcptapd instance or
// consumer) should present, e.g. "spiffe://mcptap.local/mcptapd".
func WorkloadID(trustDomain, workload string) string {
	return fmt.Sprintf("spiffe://%s/%s", trustDomain, workload)
}
