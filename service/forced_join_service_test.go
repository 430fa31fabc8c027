package service

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/venuekit/chat-backbone/models"
)

func newTestForcedJoinService(t *testing.T, base *Service) (*ForcedJoinService, sqlmock.Sqlmock) {
	t.Helper()
	gormDB, mock, sqlDB := newMockDB(t)
	t.Cleanup(func() { _ = sqlDB.Close() })
	base.DB = gormDB
	channels := NewChannelService(base)
	events := NewEventService(base)
	subs := NewSubscriptionService(nil)
	return NewForcedJoinService(base, channels, events, subs), mock
}

func TestEnforceForcedJoins_SkipsUserWithoutDisplayName(t *testing.T) {
	svc, mock := newTestForcedJoinService(t, &Service{})

	world := &models.World{ID: 7}
	user := &models.User{ID: 5, WorldID: 7, ProfileName: ""}

	if err := svc.EnforceForcedJoins(context.Background(), world, user); err != nil {
		t.Fatalf("EnforceForcedJoins: %v", err)
	}
	// 资料没设置完不该碰数据库
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnforceForcedJoins_NoEligibleChannels(t *testing.T) {
	svc, mock := newTestForcedJoinService(t, &Service{})

	mock.ExpectQuery("FROM `chat_channel` JOIN chat_room r ON").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "room_id"}))

	world := &models.World{ID: 7}
	user := &models.User{ID: 5, WorldID: 7, ProfileName: "Alice"}

	if err := svc.EnforceForcedJoins(context.Background(), world, user); err != nil {
		t.Fatalf("EnforceForcedJoins: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnforceForcedJoins_OracleDenialIsSilentlySkipped(t *testing.T) {
	base := &Service{
		PermissionOracle: func(ctx context.Context, userID uint64, permission string, roomID uint64) (bool, error) {
			if permission != "room.chat.join" || roomID != 44 {
				t.Fatalf("unexpected oracle call: %s room %d", permission, roomID)
			}
			return false, nil
		},
	}
	svc, mock := newTestForcedJoinService(t, base)

	roomID := uint64(44)
	mock.ExpectQuery("FROM `chat_channel` JOIN chat_room r ON").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "room_id"}).
			AddRow(uint64(33), uint64(7), roomID))
	// Preload Room
	mock.ExpectQuery("SELECT \\* FROM `chat_room` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "force_join", "deleted"}).
			AddRow(roomID, uint64(7), true, false))

	world := &models.World{ID: 7}
	user := &models.User{ID: 5, WorldID: 7, ProfileName: "Alice"}

	// 权限不通过：静默跳过，不加成员也不发事件
	if err := svc.EnforceForcedJoins(context.Background(), world, user); err != nil {
		t.Fatalf("EnforceForcedJoins: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestEnforceForcedJoins_SecondRunIsNoOp(t *testing.T) {
	gormDB, mock, sqlDB := newMockDB(t)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Set("chat:event_id:7", "41")

	var joinEvents int
	base := &Service{
		DB:        gormDB,
		RDB:       rdb,
		Sequencer: NewRedisSequencer(rdb),
		GroupNotifier: func(groupKey string, payload []byte) {
			joinEvents++
		},
	}
	channels := NewChannelService(base)
	events := NewEventService(base)
	subs := NewSubscriptionService(rdb)
	svc := NewForcedJoinService(base, channels, events, subs)

	roomID := uint64(44)
	world := &models.World{ID: 7}
	user := &models.User{ID: 5, WorldID: 7, ProfileName: "Alice"}

	// 第一轮：选出频道 33，建成员关系并补发 join 事件
	mock.ExpectQuery("FROM `chat_channel` JOIN chat_room r ON").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "room_id"}).
			AddRow(uint64(33), uint64(7), roomID))
	mock.ExpectQuery("SELECT \\* FROM `chat_room` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "force_join", "deleted"}).
			AddRow(roomID, uint64(7), true, false))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_membership` WHERE channel_id = \\? AND user_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel_id", "user_id", "volatile", "hidden"}))
	mock.ExpectExec("INSERT INTO `chat_membership` ").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO `chat_event` ").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.EnforceForcedJoins(context.Background(), world, user); err != nil {
		t.Fatalf("EnforceForcedJoins: %v", err)
	}
	if joinEvents != 1 {
		t.Fatalf("expected exactly one join broadcast, got %d", joinEvents)
	}
	if armed, _ := mr.SIsMember("chat:unread.notify:33", "5"); !armed {
		t.Fatalf("expected user armed for unread notify after forced join")
	}

	// 第二轮：已有正式成员关系，频道不会再被选出来
	mock.ExpectQuery("FROM `chat_channel` JOIN chat_room r ON").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "room_id"}))

	if err := svc.EnforceForcedJoins(context.Background(), world, user); err != nil {
		t.Fatalf("EnforceForcedJoins (second run): %v", err)
	}
	if joinEvents != 1 {
		t.Fatalf("second run must not broadcast another join, got %d", joinEvents)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
