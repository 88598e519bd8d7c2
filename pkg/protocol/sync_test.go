package protocol

import "testing"

func TestChannelSyncSend(t *testing.T) {
	s := NewChannelSync()

	sb, ok := s.SendStart()
	if !ok || sb.Seq {
		t.Fatalf("first SendStart() = %+v, %v", sb, ok)
	}
	if _, ok := s.SendStart(); ok {
		t.Fatal("second message started before acknowledgment")
	}
	if s.CanSend() {
		t.Fatal("CanSend() while pending")
	}

	// Stale acknowledgment for the other bit is ignored.
	if s.SendMarkDelivered(SyncBits{Ack: true}) {
		t.Fatal("stale ack accepted")
	}
	if !s.SendMarkDelivered(SyncBits{Ack: false}) {
		t.Fatal("matching ack rejected")
	}
	if s.SendMarkDelivered(SyncBits{Ack: false}) {
		t.Fatal("duplicate ack accepted")
	}

	sb, ok = s.SendStart()
	if !ok || !sb.Seq {
		t.Fatalf("second SendStart() = %+v, %v", sb, ok)
	}
	if !s.SendMarkDelivered(SyncBits{Ack: true}) {
		t.Fatal("ack for second message rejected")
	}
	sb, _ = s.SendStart()
	if sb.Seq {
		t.Fatal("sequence bit did not alternate back")
	}
}

func TestChannelSyncReceive(t *testing.T) {
	s := NewChannelSync()

	if !s.ReceiveStart(SyncBits{Seq: false}) {
		t.Fatal("first message rejected")
	}
	if s.ReceiveStart(SyncBits{Seq: true}) {
		t.Fatal("out of order message accepted")
	}
	ack := s.ReceiveAcknowledge()
	if ack != (SyncBits{Ack: false}) {
		t.Fatalf("ReceiveAcknowledge() = %+v", ack)
	}

	// Retransmission of the message just accepted.
	dup := SyncBits{Seq: false}
	if s.ReceiveStart(dup) {
		t.Fatal("duplicate accepted as new")
	}
	if got := s.Duplicate(dup); got != (SyncBits{Ack: false}) {
		t.Fatalf("Duplicate() = %+v", got)
	}

	if !s.ReceiveStart(SyncBits{Seq: true}) {
		t.Fatal("next message rejected")
	}
	if ack := s.ReceiveAcknowledge(); ack != (SyncBits{Ack: true}) {
		t.Fatalf("ReceiveAcknowledge() = %+v", ack)
	}

	s.Reset()
	if !s.ReceiveStart(SyncBits{}) || !s.CanSend() {
		t.Fatal("Reset() did not restore initial state")
	}
}
