// Package catchup implements the one-shot reconciliation a booting
// replica performs against its already-connected peers, after the peer
// mesh's handshakes complete and before the client gateway opens.
//
// The exchange is pairwise and driven entirely by the two progress
// values each side already learned at handshake time: whichever side
// is behind sends a slice request; the side ahead serves it. Equal
// progress needs no exchange. Because nothing mutates any replica's
// log during this phase (the client gateway and the mesh's
// steady-state consumers haven't started yet), the side serving a
// request never sees its own progress move out from under it, so no
// further coordination is required to avoid lost or duplicate updates.
package catchup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adred-codev/chatcluster/internal/oplog"
	"github.com/adred-codev/chatcluster/internal/statemachine"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/rs/zerolog"
)

// Conn is the minimal mesh surface catchup needs: line-oriented I/O to
// a named peer plus the peer's handshake-advertised progress.
type Conn interface {
	Peers() []string
	PeerProgress(name string) (int, bool)
	ReadLine(name string) (string, error)
	WriteLine(name string, line string) error
}

// Run reconciles this replica's log and state machine against every
// connected peer. It applies any ops it pulls through sm and log as it
// goes, so by the time Run returns the replica is caught up to every
// peer it could reach at boot.
func Run(mesh Conn, log *oplog.Log, sm *statemachine.State, logger zerolog.Logger) error {
	for _, peer := range mesh.Peers() {
		if err := exchangeWithPeer(mesh, peer, log, sm, logger); err != nil {
			return fmt.Errorf("catchup: peer %s: %w", peer, err)
		}
	}
	return nil
}

func exchangeWithPeer(mesh Conn, peer string, log *oplog.Log, sm *statemachine.State, logger zerolog.Logger) error {
	peerProgress, ok := mesh.PeerProgress(peer)
	if !ok {
		return fmt.Errorf("no recorded progress for peer %s", peer)
	}
	selfProgress := log.Progress()

	switch {
	case selfProgress < peerProgress:
		return pull(mesh, peer, selfProgress, peerProgress, log, sm, logger)
	case selfProgress > peerProgress:
		return serve(mesh, peer, peerProgress, selfProgress, log)
	default:
		return nil
	}
}

func pull(mesh Conn, peer string, lo, hi int, log *oplog.Log, sm *statemachine.State, logger zerolog.Logger) error {
	if err := mesh.WriteLine(peer, fmt.Sprintf("reqslice@@%d@@%d", lo, hi)); err != nil {
		return fmt.Errorf("sending reqslice: %w", err)
	}

	countLine, err := mesh.ReadLine(peer)
	if err != nil {
		return fmt.Errorf("reading count: %w", err)
	}
	n, err := parseCount(countLine)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		line, err := mesh.ReadLine(peer)
		if err != nil {
			return fmt.Errorf("reading op %d/%d: %w", i+1, n, err)
		}
		op, err := wire.DecodeOp(line)
		if err != nil {
			return fmt.Errorf("decoding op %d/%d: %w", i+1, n, err)
		}
		sm.Apply(op)
		if err := log.Append(op); err != nil {
			logger.Fatal().Err(err).Str("peer", peer).Msg("io-error appending pulled op")
		}
	}

	logger.Info().Str("peer", peer).Int("lo", lo).Int("hi", hi).Msg("catchup pull complete")
	return nil
}

func serve(mesh Conn, peer string, lo, hi int, log *oplog.Log) error {
	reqLine, err := mesh.ReadLine(peer)
	if err != nil {
		return fmt.Errorf("reading reqslice: %w", err)
	}
	reqLo, reqHi, err := parseReqSlice(reqLine)
	if err != nil {
		return err
	}
	// Honor the requester's view but never serve past what we actually
	// have durably logged.
	if reqLo > lo {
		lo = reqLo
	}
	if reqHi < hi {
		hi = reqHi
	}

	ops := log.Slice(lo, hi)
	if err := mesh.WriteLine(peer, fmt.Sprintf("count@@%d", len(ops))); err != nil {
		return fmt.Errorf("sending count: %w", err)
	}
	for _, op := range ops {
		line, err := wire.EncodeOp(op)
		if err != nil {
			return fmt.Errorf("encoding op for catchup push: %w", err)
		}
		if err := mesh.WriteLine(peer, line); err != nil {
			return fmt.Errorf("sending op: %w", err)
		}
	}
	return nil
}

func parseCount(line string) (int, error) {
	parts := strings.SplitN(line, "@@", 2)
	if len(parts) != 2 || parts[0] != "count" {
		return 0, fmt.Errorf("malformed count line %q", line)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed count value %q", line)
	}
	return n, nil
}

func parseReqSlice(line string) (lo, hi int, err error) {
	parts := strings.SplitN(line, "@@", 3)
	if len(parts) != 3 || parts[0] != "reqslice" {
		return 0, 0, fmt.Errorf("malformed reqslice line %q", line)
	}
	lo, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed reqslice lo %q", line)
	}
	hi, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed reqslice hi %q", line)
	}
	return lo, hi, nil
}
