package protocol

// ChannelSync tracks the alternating-bit state of one channel in both
// directions. A sender may have at most one unacknowledged message in flight.
type ChannelSync struct {
	sendSeq     bool
	sendPending bool
	recvSeq     bool
}

// NewChannelSync returns the state of a freshly allocated channel
func NewChannelSync() *ChannelSync {
	return &ChannelSync{}
}

// Reset returns both directions to their initial bits
func (s *ChannelSync) Reset() {
	*s = ChannelSync{}
}

// CanSend reports whether a new message may be started
func (s *ChannelSync) CanSend() bool {
	return !s.sendPending
}

// SendStart reserves the sequence bit for a new outgoing message. It returns
// false while the previous message is still unacknowledged.
func (s *ChannelSync) SendStart() (SyncBits, bool) {
	if s.sendPending {
		return SyncBits{}, false
	}
	s.sendPending = true
	return SyncBits{Seq: s.sendSeq}, true
}

// SendMarkDelivered processes an incoming acknowledgment. Only an ack bit
// matching the pending sequence bit completes the send; anything else is a
// stale or duplicate acknowledgment and is ignored.
func (s *ChannelSync) SendMarkDelivered(ack SyncBits) bool {
	if !s.sendPending || ack.Ack != s.sendSeq {
		return false
	}
	s.sendPending = false
	s.sendSeq = !s.sendSeq
	return true
}

// ReceiveStart reports whether an incoming message with sync bits sb is new.
// A false result means the peer retransmitted the message accepted last.
func (s *ChannelSync) ReceiveStart(sb SyncBits) bool {
	return sb.Seq == s.recvSeq
}

// ReceiveAcknowledge accepts the current incoming message, flips the
// expected sequence bit and returns the bits of the acknowledgment to send
func (s *ChannelSync) ReceiveAcknowledge() SyncBits {
	ack := SyncBits{Ack: s.recvSeq}
	s.recvSeq = !s.recvSeq
	return ack
}

// Duplicate returns the acknowledgment to re-send for a retransmitted
// message without changing state
func (s *ChannelSync) Duplicate(sb SyncBits) SyncBits {
	return SyncBits{Ack: sb.Seq}
}
