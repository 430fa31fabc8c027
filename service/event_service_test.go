package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"gorm.io/datatypes"

	"github.com/venuekit/chat-backbone/message"
	"github.com/venuekit/chat-backbone/models"
)

func newTestEventService(t *testing.T) (*EventService, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	gormDB, mock, sqlDB := newMockDB(t)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	base := &Service{DB: gormDB, RDB: rdb, Sequencer: NewRedisSequencer(rdb)}
	return NewEventService(base), mock, mr
}

func TestCreateEvent_AssignsNextID(t *testing.T) {
	svc, mock, mr := newTestEventService(t)
	mr.Set("chat:event_id:7", "41")

	mock.ExpectExec("INSERT INTO `chat_event` ").
		WillReturnResult(sqlmock.NewResult(0, 1))

	world := &models.World{ID: 7}
	channel := &models.Channel{ID: 3, WorldID: 7}

	evt, err := svc.CreateEvent(context.Background(), world, channel, "channel.message", message.Text("hello"), 11, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if evt.ID != 42 {
		t.Fatalf("expected id 42, got %d", evt.ID)
	}
	if evt.ChannelID != 3 || evt.SenderID != 11 {
		t.Fatalf("unexpected event %#v", evt)
	}
	if got, _ := mr.Get("chat:event_id:7"); got != "42" {
		t.Fatalf("counter should sit at 42, got %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreateEvent_HealsAfterCounterReset(t *testing.T) {
	svc, mock, mr := newTestEventService(t)
	// 计数器丢失（故障切换/清库），日志里已有 41 条

	mock.ExpectQuery(`SELECT MAX\(id\) AS m FROM .chat_event.`).
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(uint64(41)))
	mock.ExpectExec("INSERT INTO `chat_event` ").
		WillReturnResult(sqlmock.NewResult(0, 1))

	world := &models.World{ID: 7}
	channel := &models.Channel{ID: 3, WorldID: 7}

	evt, err := svc.CreateEvent(context.Background(), world, channel, "channel.message", message.Text("hello"), 11, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if evt.ID != 42 {
		t.Fatalf("expected id 42 after heal, got %d", evt.ID)
	}
	if got, _ := mr.Get("chat:event_id:7"); got != "42" {
		t.Fatalf("counter should sit at 42 after heal, got %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreateEvent_RetriesOnceOnDuplicateID(t *testing.T) {
	svc, mock, mr := newTestEventService(t)
	// 计数器落后于日志：INCR 给出的 42 已被别的进程写进日志
	mr.Set("chat:event_id:7", "41")

	dup := fmt.Errorf("Error 1062 (23000): Duplicate entry '7-42' for key 'chat_event.PRIMARY'")
	mock.ExpectExec("INSERT INTO `chat_event` ").WillReturnError(dup)
	mock.ExpectQuery(`SELECT MAX\(id\) AS m FROM .chat_event.`).
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(uint64(45)))
	mock.ExpectExec("INSERT INTO `chat_event` ").
		WillReturnResult(sqlmock.NewResult(0, 1))

	world := &models.World{ID: 7}
	channel := &models.Channel{ID: 3, WorldID: 7}

	evt, err := svc.CreateEvent(context.Background(), world, channel, "channel.message", message.Text("hello"), 11, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if evt.ID != 46 {
		t.Fatalf("expected id 46 after retry, got %d", evt.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreateEvent_GivesUpAfterSecondDuplicate(t *testing.T) {
	svc, mock, mr := newTestEventService(t)
	mr.Set("chat:event_id:7", "41")

	dup := fmt.Errorf("Error 1062 (23000): Duplicate entry '7-42' for key 'chat_event.PRIMARY'")
	mock.ExpectExec("INSERT INTO `chat_event` ").WillReturnError(dup)
	mock.ExpectQuery(`SELECT MAX\(id\) AS m FROM .chat_event.`).
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(uint64(45)))
	mock.ExpectExec("INSERT INTO `chat_event` ").WillReturnError(dup)
	mock.ExpectQuery(`SELECT MAX\(id\) AS m FROM .chat_event.`).
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(uint64(45)))

	world := &models.World{ID: 7}
	channel := &models.Channel{ID: 3, WorldID: 7}

	_, err := svc.CreateEvent(context.Background(), world, channel, "channel.message", message.Text("hello"), 11, nil)
	if !errors.Is(err, ErrSequenceDiverged) {
		t.Fatalf("expected ErrSequenceDiverged, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreateEvent_CallContentGetsServerAssigned(t *testing.T) {
	svc, mock, mr := newTestEventService(t)
	mr.Set("chat:event_id:7", "41")
	svc.CallChooser = func(worldID uint64) (string, error) {
		return "bbb1.example.com", nil
	}

	mock.ExpectExec("INSERT INTO `chat_call` ").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `chat_event` ").
		WillReturnResult(sqlmock.NewResult(0, 1))

	world := &models.World{ID: 7}
	channel := &models.Channel{ID: 3, WorldID: 7}

	evt, err := svc.CreateEvent(context.Background(), world, channel, "channel.message", message.Call(), 11, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	var content message.Content
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	var body message.CallBody
	if err := json.Unmarshal(content.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Type != message.CallTypeBBB || body.ID == "" {
		t.Fatalf("expected bbb call with id, got %#v", body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCreateEvent_JanusFlagSkipsCallRecord(t *testing.T) {
	svc, mock, mr := newTestEventService(t)
	mr.Set("chat:event_id:7", "41")

	// janus 开关打开：不建 Call 记录，只打标
	mock.ExpectExec("INSERT INTO `chat_event` ").
		WillReturnResult(sqlmock.NewResult(0, 1))

	world := &models.World{ID: 7, FeatureFlags: datatypes.JSON(`["janus"]`)}
	channel := &models.Channel{ID: 3, WorldID: 7}

	evt, err := svc.CreateEvent(context.Background(), world, channel, "channel.message", message.Call(), 11, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	var content message.Content
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	var body message.CallBody
	if err := json.Unmarshal(content.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Type != message.CallTypeJanus || body.ID != "" {
		t.Fatalf("expected janus call without id, got %#v", body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetLastID_PrefersCounter(t *testing.T) {
	svc, mock, mr := newTestEventService(t)
	mr.Set("chat:event_id:7", "41")

	got, err := svc.GetLastID(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetLastID: %v", err)
	}
	if got != 41 {
		t.Fatalf("expected 41, got %d", got)
	}
	// 计数器在位时不应碰数据库
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetLastID_FallsBackToLog(t *testing.T) {
	svc, mock, _ := newTestEventService(t)

	mock.ExpectQuery(`SELECT MAX\(id\) AS m FROM .chat_event.`).
		WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(uint64(41)))

	got, err := svc.GetLastID(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetLastID: %v", err)
	}
	if got != 41 {
		t.Fatalf("expected 41, got %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestExtractMentionedUIDs(t *testing.T) {
	body := "hi @f1e2d3c4-0000-4000-8000-0123456789ab and @f1e2d3c4-0000-4000-8000-0123456789ab again, not @not-a-uuid"
	uids := ExtractMentionedUIDs(body)
	if len(uids) != 1 {
		t.Fatalf("expected exactly one uid, got %v", uids)
	}
	if _, ok := uids["f1e2d3c4-0000-4000-8000-0123456789ab"]; !ok {
		t.Fatalf("uid not found in %v", uids)
	}
}
