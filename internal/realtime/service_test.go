package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not implemented")
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// clinicVerifier issues identities for the standard test staff: two doctors,
// two nurses, and a receptionist.
func clinicVerifier() *StaticVerifier {
	return &StaticVerifier{Tokens: map[string]Identity{
		"tok-doc-1":   {UserID: "doc-1", Username: "Dr. Achieng", Role: "DOCTOR"},
		"tok-doc-2":   {UserID: "doc-2", Username: "Dr. Mwangi", Role: "DOCTOR"},
		"tok-nurse-1": {UserID: "nurse-1", Username: "Nurse Wanjiru", Role: "NURSE"},
		"tok-nurse-2": {UserID: "nurse-2", Username: "Nurse Otieno", Role: "NURSE"},
		"tok-rec-1":   {UserID: "rec-1", Username: "Alice", Role: "RECEPTIONIST"},
	}}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewHub(zerolog.Nop()), clinicVerifier(), zerolog.Nop(), Options{})
}

func mustConnect(t *testing.T, s *Service, token string) *Client {
	t.Helper()
	client, err := s.Connect(&fakeConn{}, token)
	if err != nil {
		t.Fatalf("connect with %s failed: %v", token, err)
	}
	// Discard the connected ack so later assertions start from a clean channel.
	select {
	case <-client.Send:
	case <-time.After(time.Second):
		t.Fatal("no connected ack received")
	}
	return client
}

func drain(c *Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func TestService_ConnectRejectsBadToken(t *testing.T) {
	s := newTestService(t)
	conn := &fakeConn{}

	_, err := s.Connect(conn, "tok-nobody")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("expected connection to be closed on auth failure")
	}
	if s.Hub().ClientCount() != 0 {
		t.Fatalf("expected no registered clients, got %d", s.Hub().ClientCount())
	}
}

func TestService_ConnectAcksAndBroadcastsPresence(t *testing.T) {
	s := newTestService(t)

	observer := mustConnect(t, s, "tok-nurse-1")

	client, err := s.Connect(&fakeConn{}, "tok-doc-1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	f := receiveFrame(t, client)
	if f.Event != EventConnected {
		t.Fatalf("expected %s ack, got %s", EventConnected, f.Event)
	}
	var ack struct {
		UserID   string         `json:"userId"`
		Presence []UserPresence `json:"presence"`
	}
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if ack.UserID != "doc-1" {
		t.Fatalf("expected ack for doc-1, got %s", ack.UserID)
	}
	if len(ack.Presence) != 2 {
		t.Fatalf("expected 2 presence records in ack, got %d", len(ack.Presence))
	}

	f = receiveFrame(t, observer)
	if f.Event != EventPresenceUpdate {
		t.Fatalf("expected observer to see %s, got %s", EventPresenceUpdate, f.Event)
	}
	var p UserPresence
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("failed to unmarshal presence: %v", err)
	}
	if p.UserID != "doc-1" || p.Status != StatusOnline {
		t.Fatalf("unexpected presence broadcast: %+v", p)
	}
}

func TestService_DisconnectLastConnectionGoesOffline(t *testing.T) {
	s := newTestService(t)

	observer := mustConnect(t, s, "tok-nurse-1")
	c1 := mustConnect(t, s, "tok-doc-1")
	c2 := mustConnect(t, s, "tok-doc-1")
	drain(observer)

	s.Disconnect(c1)
	expectSilent(t, observer)
	if !s.Hub().IsConnected("doc-1") {
		t.Fatal("doc-1 still has a connection open")
	}

	s.Disconnect(c2)
	f := receiveFrame(t, observer)
	if f.Event != EventUserDisconnect {
		t.Fatalf("expected %s, got %s", EventUserDisconnect, f.Event)
	}

	p, ok := s.presence.Get("doc-1")
	if !ok {
		t.Fatal("expected offline presence record to survive disconnect")
	}
	if p.Status != StatusOffline {
		t.Fatalf("expected offline status, got %s", p.Status)
	}
}

func TestService_UpdatePresenceRequiresConnection(t *testing.T) {
	s := newTestService(t)

	status := StatusAway
	err := s.UpdatePresence("ghost", PresenceUpdate{Status: &status})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestService_UpdatePresenceBroadcasts(t *testing.T) {
	s := newTestService(t)

	doc := mustConnect(t, s, "tok-doc-1")
	nurse := mustConnect(t, s, "tok-nurse-1")
	drain(doc)
	drain(nurse)

	page := "/patients/42"
	status := StatusBusy
	if err := s.UpdatePresence("doc-1", PresenceUpdate{Status: &status, CurrentPage: &page}); err != nil {
		t.Fatalf("update presence failed: %v", err)
	}

	f := receiveFrame(t, nurse)
	if f.Event != EventPresenceUpdate {
		t.Fatalf("expected %s, got %s", EventPresenceUpdate, f.Event)
	}
	var p UserPresence
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("failed to unmarshal presence: %v", err)
	}
	if p.Status != StatusBusy || p.CurrentPage != "/patients/42" {
		t.Fatalf("merge lost fields: %+v", p)
	}
	// The updating user does not get its own update echoed back.
	expectSilent(t, doc)
}

func TestService_TypingIsIdempotent(t *testing.T) {
	s := newTestService(t)

	doc := mustConnect(t, s, "tok-doc-1")
	watcher := mustConnect(t, s, "tok-nurse-1")
	drain(doc)
	drain(watcher)

	room := EntityRoom(EntityPrescription, "rx-9")
	s.Hub().Subscribe(watcher, []string{room})

	for i := 0; i < 3; i++ {
		if err := s.StartTyping("doc-1", EntityPrescription, "rx-9"); err != nil {
			t.Fatalf("start typing failed: %v", err)
		}
	}

	p, _ := s.presence.Get("doc-1")
	if !p.IsTyping || p.TypingEntityID != "rx-9" {
		t.Fatalf("expected single typing state, got %+v", p)
	}

	// Each StartTyping yields one user_typing and one entity_edit_start.
	for i := 0; i < 3; i++ {
		if f := receiveFrame(t, watcher); f.Event != EventUserTyping {
			t.Fatalf("expected %s, got %s", EventUserTyping, f.Event)
		}
		if f := receiveFrame(t, watcher); f.Event != EventEntityEditStart {
			t.Fatalf("expected %s, got %s", EventEntityEditStart, f.Event)
		}
	}

	if err := s.StopTyping("doc-1", EntityPrescription, "rx-9"); err != nil {
		t.Fatalf("stop typing failed: %v", err)
	}
	p, _ = s.presence.Get("doc-1")
	if p.IsTyping || p.TypingEntityID != "" {
		t.Fatalf("expected typing state cleared, got %+v", p)
	}
}

func TestService_BroadcastSyncEventValidation(t *testing.T) {
	s := newTestService(t)

	err := s.BroadcastSyncEvent(SyncEvent{EntityType: "appointment", EntityID: "1", Action: ActionCreate})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown entity type, got %v", err)
	}

	err = s.BroadcastSyncEvent(SyncEvent{EntityType: EntityVisit, Action: ActionCreate})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing entity id, got %v", err)
	}
}

func TestService_SyncEventRoomScoping(t *testing.T) {
	s := newTestService(t)

	doc := mustConnect(t, s, "tok-doc-1")
	nurse := mustConnect(t, s, "tok-nurse-1")
	rec := mustConnect(t, s, "tok-rec-1")
	drain(doc)
	drain(nurse)
	drain(rec)

	// Prescriptions go to doctors and pharmacists, not nurses or reception.
	if err := s.SyncPrescription("rx-1", ActionUpdate, map[string]string{"status": "dispensed"}, "doc-1", "Dr. Achieng"); err != nil {
		t.Fatalf("sync prescription failed: %v", err)
	}

	f := receiveFrame(t, doc)
	if f.Event != EventSync {
		t.Fatalf("expected %s, got %s", EventSync, f.Event)
	}
	var ev SyncEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		t.Fatalf("failed to unmarshal sync event: %v", err)
	}
	if ev.EntityType != EntityPrescription || ev.Action != ActionUpdate {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("expected broadcast to stamp the event")
	}
	expectSilent(t, nurse)
	expectSilent(t, rec)

	// A nurse watching the specific record still sees it via the entity room.
	s.Hub().Subscribe(nurse, []string{EntityRoom(EntityPrescription, "rx-2")})
	if err := s.SyncPrescription("rx-2", ActionCreate, nil, "doc-1", "Dr. Achieng"); err != nil {
		t.Fatalf("sync prescription failed: %v", err)
	}
	receiveFrame(t, doc)
	if f := receiveFrame(t, nurse); f.Event != EventSync {
		t.Fatalf("expected entity-room delivery, got %s", f.Event)
	}
}

func TestService_SyncEventOrderingPerEntity(t *testing.T) {
	s := newTestService(t)
	doc := mustConnect(t, s, "tok-doc-1")
	drain(doc)

	for i := 0; i < 5; i++ {
		data, _ := json.Marshal(map[string]int{"seq": i})
		err := s.BroadcastSyncEvent(SyncEvent{
			EntityType: EntityLabResult,
			EntityID:   "lab-1",
			Action:     ActionUpdate,
			Data:       data,
			UserID:     "doc-2",
		})
		if err != nil {
			t.Fatalf("broadcast %d failed: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		f := receiveFrame(t, doc)
		var ev SyncEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("failed to unmarshal payload: %v", err)
		}
		if payload.Seq != i {
			t.Fatalf("events out of order: expected seq %d, got %d", i, payload.Seq)
		}
	}
}

func TestService_RecentEventsBounded(t *testing.T) {
	s := newTestService(t)

	for i := 0; i < recentEventLimit+20; i++ {
		err := s.BroadcastSyncEvent(SyncEvent{
			EntityType: EntityVisit,
			EntityID:   fmt.Sprintf("visit-%d", i),
			Action:     ActionCreate,
			UserID:     "rec-1",
		})
		if err != nil {
			t.Fatalf("broadcast failed: %v", err)
		}
	}

	recent := s.RecentSyncEvents()
	if len(recent) != recentEventLimit {
		t.Fatalf("expected ring capped at %d, got %d", recentEventLimit, len(recent))
	}
	if recent[0].EntityID != "visit-20" {
		t.Fatalf("expected oldest retained event visit-20, got %s", recent[0].EntityID)
	}
	if recent[len(recent)-1].EntityID != fmt.Sprintf("visit-%d", recentEventLimit+19) {
		t.Fatalf("unexpected newest event %s", recent[len(recent)-1].EntityID)
	}
}

func TestService_NotificationTargeting(t *testing.T) {
	s := newTestService(t)

	doc1 := mustConnect(t, s, "tok-doc-1")
	doc2 := mustConnect(t, s, "tok-doc-2")
	nurse1 := mustConnect(t, s, "tok-nurse-1")
	nurse2 := mustConnect(t, s, "tok-nurse-2")
	rec := mustConnect(t, s, "tok-rec-1")
	for _, c := range []*Client{doc1, doc2, nurse1, nurse2, rec} {
		drain(c)
	}

	n := Notification{Type: "low-stock-alert", Title: "Amoxicillin below reorder level"}
	target := Target{
		Users:        []string{"rec-1"},
		Roles:        []string{"DOCTOR", "NURSE"},
		ExcludeUsers: []string{"nurse-2"},
	}
	if err := s.SendNotification(n, target); err != nil {
		t.Fatalf("send notification failed: %v", err)
	}

	for _, c := range []*Client{doc1, doc2, nurse1, rec} {
		f := receiveFrame(t, c)
		if f.Event != EventNotification {
			t.Fatalf("expected %s for %s, got %s", EventNotification, c.UserID, f.Event)
		}
		var got Notification
		if err := json.Unmarshal(f.Data, &got); err != nil {
			t.Fatalf("failed to unmarshal notification: %v", err)
		}
		if got.ID == "" {
			t.Fatal("expected dispatcher to assign an id")
		}
		if got.Priority != PriorityMedium {
			t.Fatalf("expected default priority medium, got %s", got.Priority)
		}
	}
	expectSilent(t, nurse2)

	if got := len(s.PendingNotifications("doc-1")); got != 1 {
		t.Fatalf("expected 1 pending notification for doc-1, got %d", got)
	}
	if got := len(s.PendingNotifications("nurse-2")); got != 0 {
		t.Fatalf("expected no pending notifications for excluded user, got %d", got)
	}
}

func TestService_MarkNotificationRead(t *testing.T) {
	s := newTestService(t)
	doc := mustConnect(t, s, "tok-doc-1")
	drain(doc)

	n := Notification{Type: "claim-approved", Message: "Claim CLM-1 approved"}
	if err := s.SendNotification(n, Target{Users: []string{"doc-1"}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	pending := s.PendingNotifications("doc-1")
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}

	s.MarkNotificationRead("doc-1", pending[0].ID)
	if got := len(s.PendingNotifications("doc-1")); got != 0 {
		t.Fatalf("expected acknowledgment to clear pending, got %d", got)
	}
}

func TestService_StatusCounters(t *testing.T) {
	s := newTestService(t)
	mustConnect(t, s, "tok-doc-1")
	mustConnect(t, s, "tok-doc-1")
	mustConnect(t, s, "tok-nurse-1")

	if err := s.BroadcastSyncEvent(SyncEvent{EntityType: EntityVisit, EntityID: "v-1", Action: ActionCreate}); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if err := s.SendNotification(Notification{Type: "invoice-ready", Title: "Invoice"}, Target{Users: []string{"nurse-1"}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	st := s.GetStatus()
	if st.ConnectedUsers != 2 {
		t.Fatalf("expected 2 connected users, got %d", st.ConnectedUsers)
	}
	if st.ActiveUsers != 2 {
		t.Fatalf("expected 2 active users, got %d", st.ActiveUsers)
	}
	if st.RecentSyncEvents != 1 {
		t.Fatalf("expected 1 recent event, got %d", st.RecentSyncEvents)
	}
	if st.PendingNotifications != 1 {
		t.Fatalf("expected 1 pending notification, got %d", st.PendingNotifications)
	}
}

func TestService_CleanupOldData(t *testing.T) {
	s := NewService(NewHub(zerolog.Nop()), clinicVerifier(), zerolog.Nop(), Options{
		PresenceStaleAfter:    time.Minute,
		SyncEventRetention:    time.Hour,
		NotificationRetention: time.Hour,
	})

	doc := mustConnect(t, s, "tok-doc-1")
	s.Disconnect(doc)

	// Backdate the offline record so the sweep considers it stale.
	s.presence.mu.Lock()
	for _, p := range s.presence.records {
		p.LastSeen = time.Now().UTC().Add(-2 * time.Minute)
	}
	s.presence.mu.Unlock()

	if err := s.SendNotification(Notification{Type: "stock-expiry-alert", Title: "Expiring"}, Target{Users: []string{"nurse-1"}}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	s.notifMu.Lock()
	for _, list := range s.pending {
		for _, n := range list {
			n.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
		}
	}
	s.notifMu.Unlock()

	result := s.CleanupOldData()
	if result.PresenceRecordsCleaned != 1 {
		t.Fatalf("expected 1 presence record cleaned, got %d", result.PresenceRecordsCleaned)
	}
	if result.NotificationsDeleted != 1 {
		t.Fatalf("expected 1 notification deleted, got %d", result.NotificationsDeleted)
	}
	if _, ok := s.presence.Get("doc-1"); ok {
		t.Fatal("expected stale presence record removed")
	}
}

func TestService_ShutdownClosesConnections(t *testing.T) {
	s := newTestService(t)
	conn := &fakeConn{}
	if _, err := s.Connect(conn, "tok-doc-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)

	if s.Hub().ClientCount() != 0 {
		t.Fatalf("expected all clients closed, got %d", s.Hub().ClientCount())
	}
	if !conn.isClosed() {
		t.Fatal("expected underlying connection closed")
	}
}

func TestService_ConcurrentConnectDisconnect(t *testing.T) {
	s := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.Connect(&fakeConn{}, "tok-doc-1")
			if err != nil {
				t.Errorf("connect failed: %v", err)
				return
			}
			s.Disconnect(c)
		}()
	}
	wg.Wait()

	if s.Hub().IsConnected("doc-1") {
		t.Fatal("expected doc-1 fully disconnected after churn")
	}
	if s.Hub().ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", s.Hub().ClientCount())
	}
}
