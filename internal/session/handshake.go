package session

import (
	"net"
	"time"

	"github.com/slstransfer/sls/internal/netio"
	"github.com/slstransfer/sls/internal/observability"
	"github.com/slstransfer/sls/internal/secure"
	"github.com/slstransfer/sls/internal/sfperr"
	"github.com/slstransfer/sls/internal/wire"
)

// ClientRequest carries the client's requested parameters into an Init
// message; zero values mean "accept server default".
type ClientRequest struct {
	WantEncryption bool
	NICCount       uint8
	ChunkSize      uint16
	SegmentSize    uint32
	BufferSize     uint32
}

// BuildInit constructs the client's handshake opener around a fresh
// ephemeral keypair.
func BuildInit(kp *secure.KeyPair, req ClientRequest, now time.Time) *wire.Init {
	var flags uint8
	if req.WantEncryption {
		flags |= 0x01
	}
	return &wire.Init{
		ClientPublicKey:   kp.PublicKey,
		Flags:             flags,
		NICCount:          req.NICCount,
		ChunkSize:         req.ChunkSize,
		SegmentSize:       req.SegmentSize,
		BufferSize:        req.BufferSize,
		ClientTimestampUs: uint64(now.UnixMicro()),
	}
}

// NegotiateParams applies the server's defaults against a client's Init,
// honoring any explicit client request and rejecting what the server
// cannot satisfy. defaults.EncryptionEnabled carries the server's own
// encryption capability: a client asking for encryption against a
// cleartext-only server is a mismatch, not a silent downgrade.
func NegotiateParams(init *wire.Init, defaults Params) (Params, error) {
	p := defaults
	if init.ChunkSize != 0 {
		if uint32(init.ChunkSize) > defaults.ChunkSize {
			return Params{}, sfperr.ErrNegotiationMismatch
		}
		p.ChunkSize = uint32(init.ChunkSize)
	}
	if init.SegmentSize != 0 {
		if init.SegmentSize > defaults.SegmentSize || init.SegmentSize%p.ChunkSize != 0 {
			return Params{}, sfperr.ErrNegotiationMismatch
		}
		p.SegmentSize = init.SegmentSize
	}
	p.ChunksPerSegment = (p.SegmentSize + p.ChunkSize - 1) / p.ChunkSize
	if init.WantsEncryption() && !defaults.EncryptionEnabled {
		return Params{}, sfperr.ErrNegotiationMismatch
	}
	p.EncryptionEnabled = init.WantsEncryption() && defaults.EncryptionEnabled
	return p, nil
}

// BuildInitAck constructs the server's handshake reply around a fresh
// ephemeral keypair and the negotiated parameters.
func BuildInitAck(kp *secure.KeyPair, init *wire.Init, params Params, manifestRoot []byte, now time.Time) *wire.InitAck {
	var flags uint8
	if params.EncryptionEnabled {
		flags |= 0x01
	}
	return &wire.InitAck{
		ServerPublicKey:   kp.PublicKey,
		Flags:             flags,
		ChunkSize:         uint16(params.ChunkSize),
		SegmentSize:       params.SegmentSize,
		RedundancyRatio:   params.RedundancyRatio,
		TotalFileSize:     params.TotalBytes,
		TotalSegments:     params.TotalSegments,
		ChunksPerSegment:  params.ChunksPerSegment,
		ClientTimestampUs: init.ClientTimestampUs,
		ServerTimestampUs: uint64(now.UnixMicro()),
		ManifestRoot:      manifestRoot,
	}
}

// DeriveClientSessionKey derives the session key from the client's side of
// the exchange once InitAck has arrived.
func DeriveClientSessionKey(ourKP *secure.KeyPair, ack *wire.InitAck) (secure.SessionKey, error) {
	return secure.DeriveSessionKey(&ourKP.PrivateKey, ourKP.PublicKey, ack.ServerPublicKey)
}

// DeriveServerSessionKey derives the session key from the server's side of
// the exchange once Init has arrived.
func DeriveServerSessionKey(ourKP *secure.KeyPair, init *wire.Init) (secure.SessionKey, error) {
	return secure.DeriveSessionKey(&ourKP.PrivateKey, ourKP.PublicKey, init.ClientPublicKey)
}

// ClientResult is everything a successful client handshake produces.
type ClientResult struct {
	Session    *Session
	SessionKey secure.SessionKey
	ServerAddr net.Addr
	Ack        *wire.InitAck
	RTT        time.Duration
}

// RunClientHandshake drives the Init/InitAck exchange from the client side
// over an Endpoint, retrying Init on a fixed interval until an InitAck
// arrives or timeout elapses.
func RunClientHandshake(ep netio.Endpoint, serverAddr net.Addr, req ClientRequest, retryInterval, timeout time.Duration, log *observability.Logger) (*ClientResult, error) {
	kp, err := secure.GenerateKeyPair()
	if err != nil {
		return nil, sfperr.ErrHandshakeFailed
	}

	start := ep.Now()
	sess := New(start)
	if err := sess.TransitionTo(StateHandshaking); err != nil {
		return nil, err
	}

	deadline := start.Add(timeout)
	lastSend := time.Time{}

	for {
		now := ep.Now()
		if now.After(deadline) {
			sess.TransitionTo(StateTimedOut)
			return nil, sfperr.ErrHandshakeFailed
		}
		if now.Sub(lastSend) >= retryInterval {
			initMsg := BuildInit(kp, req, now)
			if err := ep.Send(serverAddr, wire.EncodeInit(initMsg)); err != nil {
				return nil, sfperr.ErrSocketSendFailed
			}
			lastSend = now
		}

		dg, err := ep.Recv()
		if err == netio.ErrNoDatagram {
			continue
		}
		if err != nil {
			return nil, sfperr.ErrSocketRecvFailed
		}
		if msgType, err := wire.PeekType(dg.Data); err != nil || msgType != wire.TypeInitAck {
			continue
		}
		ack, err := wire.DecodeInitAck(dg.Data)
		if err != nil {
			continue
		}

		sessionKey, err := DeriveClientSessionKey(kp, ack)
		if err != nil {
			sess.TransitionTo(StateTimedOut)
			return nil, sfperr.ErrHandshakeFailed
		}

		rtt := ep.Now().Sub(start)
		sess.SetParams(Params{
			ChunkSize:         uint32(ack.ChunkSize),
			SegmentSize:       ack.SegmentSize,
			ChunksPerSegment:  ack.ChunksPerSegment,
			TotalSegments:     ack.TotalSegments,
			TotalBytes:        ack.TotalFileSize,
			RedundancyRatio:   ack.RedundancyRatio,
			EncryptionEnabled: ack.EncryptionEnabled(),
		})
		if err := sess.TransitionTo(StateEstablished); err != nil {
			return nil, err
		}
		sess.ObserveDatagram(ep.Now())
		if log != nil {
			log.HandshakeCompleted(sess.ID().String(), rtt, ack.EncryptionEnabled())
		}

		return &ClientResult{
			Session:    sess,
			SessionKey: sessionKey,
			ServerAddr: dg.Peer,
			Ack:        ack,
			RTT:        rtt,
		}, nil
	}
}

// ServerResult is everything a successful server-side handshake accept
// produces.
type ServerResult struct {
	Session    *Session
	SessionKey secure.SessionKey
	ClientAddr net.Addr
	Ack        *wire.InitAck
}

// AcceptHandshake processes one already-received Init datagram, negotiates
// parameters against defaults, derives the session key, and returns the
// InitAck to send back. It does not itself perform socket I/O so the
// server's datagram-receive loop stays in full control of dispatch.
func AcceptHandshake(initDatagram netio.Datagram, defaults Params, manifestRoot []byte, now time.Time, log *observability.Logger) (*ServerResult, error) {
	init, err := wire.DecodeInit(initDatagram.Data)
	if err != nil {
		return nil, sfperr.ErrHandshakeFailed
	}

	params, err := NegotiateParams(init, defaults)
	if err != nil {
		return nil, err
	}

	kp, err := secure.GenerateKeyPair()
	if err != nil {
		return nil, sfperr.ErrHandshakeFailed
	}

	sessionKey, err := DeriveServerSessionKey(kp, init)
	if err != nil {
		return nil, sfperr.ErrHandshakeFailed
	}

	sess := New(now)
	if err := sess.TransitionTo(StateHandshaking); err != nil {
		return nil, err
	}
	sess.SetParams(params)
	if err := sess.TransitionTo(StateEstablished); err != nil {
		return nil, err
	}
	sess.ObserveDatagram(now)

	ack := BuildInitAck(kp, init, params, manifestRoot, now)
	if log != nil {
		log.HandshakeCompleted(sess.ID().String(), 0, params.EncryptionEnabled)
	}

	return &ServerResult{
		Session:    sess,
		SessionKey: sessionKey,
		ClientAddr: initDatagram.Peer,
		Ack:        ack,
	}, nil
}
