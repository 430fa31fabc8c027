package service

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestReactionService(t *testing.T) (*ReactionService, sqlmock.Sqlmock) {
	t.Helper()
	gormDB, mock, sqlDB := newMockDB(t)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewReactionService(&Service{DB: gormDB}), mock
}

func eventRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"world_id", "id", "channel_id", "event_type", "content", "sender_id"}).
		AddRow(uint64(7), uint64(42), uint64(3), "channel.message", []byte(`{"type":"text","body":"hi"}`), uint64(11))
}

func TestAddReaction_ReturnsEventWithReactions(t *testing.T) {
	svc, mock := newTestReactionService(t)

	// 事件存在性检查
	mock.ExpectQuery("SELECT \\* FROM `chat_event` WHERE world_id = \\? AND id = \\?").
		WillReturnRows(eventRow())
	// 幂等插入
	mock.ExpectExec("INSERT INTO `chat_event_reaction` ").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// 重新序列化
	mock.ExpectQuery("SELECT \\* FROM `chat_event` WHERE world_id = \\? AND id = \\?").
		WillReturnRows(eventRow())
	mock.ExpectQuery("SELECT \\* FROM `chat_event_reaction` WHERE world_id = \\? AND event_id IN").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "event_id", "sender_id", "reaction"}).
			AddRow(uint64(1), uint64(7), uint64(42), uint64(5), "👍").
			AddRow(uint64(2), uint64(7), uint64(42), uint64(6), "👍"))

	dto, err := svc.AddReaction(7, 42, 5, "👍")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if dto == nil || dto.ID != 42 {
		t.Fatalf("expected event 42, got %#v", dto)
	}
	senders := dto.Reactions["👍"]
	if len(senders) != 2 {
		t.Fatalf("expected 2 senders for 👍, got %v", dto.Reactions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestAddReaction_UnknownEvent(t *testing.T) {
	svc, mock := newTestReactionService(t)

	mock.ExpectQuery("SELECT \\* FROM `chat_event` WHERE world_id = \\? AND id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"world_id", "id"}))

	dto, err := svc.AddReaction(7, 999, 5, "👍")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if dto != nil {
		t.Fatalf("expected nil dto for unknown event, got %#v", dto)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRemoveReaction_IsIdempotent(t *testing.T) {
	svc, mock := newTestReactionService(t)

	// 要删的行不存在也不报错
	mock.ExpectExec("DELETE FROM `chat_event_reaction`").
		WithArgs(uint64(7), uint64(42), uint64(5), "👍").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT \\* FROM `chat_event` WHERE world_id = \\? AND id = \\?").
		WillReturnRows(eventRow())
	mock.ExpectQuery("SELECT \\* FROM `chat_event_reaction` WHERE world_id = \\? AND event_id IN").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "event_id", "sender_id", "reaction"}))

	dto, err := svc.RemoveReaction(7, 42, 5, "👍")
	if err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if dto == nil || len(dto.Reactions) != 0 {
		t.Fatalf("expected event with no reactions, got %#v", dto)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
