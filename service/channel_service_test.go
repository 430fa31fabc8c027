package service

import (
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestChannelService(t *testing.T) (*ChannelService, sqlmock.Sqlmock) {
	t.Helper()
	gormDB, mock, sqlDB := newMockDB(t)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewChannelService(&Service{DB: gormDB}), mock
}

func userRows(ids ...uint64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "uid", "world_id", "profile_name", "type", "deleted"})
	for _, id := range ids {
		rows.AddRow(id, fmt.Sprintf("00000000-0000-4000-8000-%012d", id), uint64(7), "User", 0, false)
	}
	return rows
}

func TestGetOrCreateDirectChannel_RejectsBlockedPair(t *testing.T) {
	svc, mock := newTestChannelService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_user` WHERE world_id = \\? AND id IN").
		WillReturnRows(userRows(5, 6))
	mock.ExpectQuery("SELECT \\* FROM `chat_user_block` WHERE blocker_id IN \\(.+\\) AND blocked_id IN").
		WillReturnRows(sqlmock.NewRows([]string{"id", "blocker_id", "blocked_id"}).
			AddRow(uint64(1), uint64(5), uint64(6)))
	mock.ExpectCommit()

	channel, created, users, err := svc.GetOrCreateDirectChannel(7, []uint64{5, 6}, false, 0)
	if err != nil {
		t.Fatalf("GetOrCreateDirectChannel: %v", err)
	}
	if channel != nil || created || users != nil {
		t.Fatalf("expected ineligible result, got channel=%#v created=%v", channel, created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetOrCreateDirectChannel_RejectsUnknownUser(t *testing.T) {
	svc, mock := newTestChannelService(t)

	// 请求了 2 个人，租户里只找到 1 个
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_user` WHERE world_id = \\? AND id IN").
		WillReturnRows(userRows(5))
	mock.ExpectCommit()

	channel, created, _, err := svc.GetOrCreateDirectChannel(7, []uint64{5, 999}, false, 0)
	if err != nil {
		t.Fatalf("GetOrCreateDirectChannel: %v", err)
	}
	if channel != nil || created {
		t.Fatalf("expected ineligible result, got channel=%#v", channel)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetOrCreateDirectChannel_ReusesExactMatch(t *testing.T) {
	svc, mock := newTestChannelService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_user` WHERE world_id = \\? AND id IN").
		WillReturnRows(userRows(5, 6))
	mock.ExpectQuery("SELECT \\* FROM `chat_user_block`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "blocker_id", "blocked_id"}))
	// 精确匹配第一步：命中数恰好等于人数的候选频道
	mock.ExpectQuery("SELECT .?channel_id.? FROM `chat_membership` WHERE user_id IN .* GROUP BY .?channel_id.? HAVING COUNT\\(\\*\\) = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id"}).AddRow(uint64(33)))
	mock.ExpectQuery("SELECT \\* FROM `chat_channel` WHERE id IN \\(.+\\) AND world_id = \\? AND room_id IS NULL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "world_id", "room_id"}).
			AddRow(uint64(33), uint64(7), nil))
	// 精确匹配第二步：候选频道内没有集合之外的成员
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `chat_membership` WHERE channel_id = \\? AND user_id NOT IN").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(int64(0)))
	mock.ExpectCommit()

	channel, created, users, err := svc.GetOrCreateDirectChannel(7, []uint64{5, 6}, false, 0)
	if err != nil {
		t.Fatalf("GetOrCreateDirectChannel: %v", err)
	}
	if channel == nil || channel.ID != 33 {
		t.Fatalf("expected existing channel 33, got %#v", channel)
	}
	if created {
		t.Fatalf("expected created=false for reused channel")
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %v", users)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetOrCreateDirectChannel_CreatesWhenNoExactMatch(t *testing.T) {
	svc, mock := newTestChannelService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_user` WHERE world_id = \\? AND id IN").
		WillReturnRows(userRows(5, 6))
	mock.ExpectQuery("SELECT \\* FROM `chat_user_block`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "blocker_id", "blocked_id"}))
	// 没有候选：直接走创建
	mock.ExpectQuery("SELECT .?channel_id.? FROM `chat_membership`").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id"}))
	mock.ExpectExec("INSERT INTO `chat_channel` ").
		WillReturnResult(sqlmock.NewResult(34, 1))
	mock.ExpectExec("INSERT INTO `chat_membership` ").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	channel, created, users, err := svc.GetOrCreateDirectChannel(7, []uint64{5, 6}, true, 5)
	if err != nil {
		t.Fatalf("GetOrCreateDirectChannel: %v", err)
	}
	if channel == nil || !created {
		t.Fatalf("expected new channel, got %#v created=%v", channel, created)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %v", users)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestAddChannelUser_CreatesMembership(t *testing.T) {
	svc, mock := newTestChannelService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_membership` WHERE channel_id = \\? AND user_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel_id", "user_id", "volatile", "hidden"}))
	mock.ExpectExec("INSERT INTO `chat_membership` ").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	created, err := svc.AddChannelUser(3, 5, false)
	if err != nil {
		t.Fatalf("AddChannelUser: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestAddChannelUser_PromotesVolatileMembership(t *testing.T) {
	svc, mock := newTestChannelService(t)

	// 已有 volatile 成员 + 非 volatile 加入：清标志，不建新行
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_membership` WHERE channel_id = \\? AND user_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel_id", "user_id", "volatile", "hidden"}).
			AddRow(uint64(9), uint64(3), uint64(5), true, false))
	mock.ExpectExec("UPDATE `chat_membership` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := svc.AddChannelUser(3, 5, false)
	if err != nil {
		t.Fatalf("AddChannelUser: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on promotion")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestAddChannelUser_ExistingMembershipIsUntouched(t *testing.T) {
	svc, mock := newTestChannelService(t)

	// 已是正式成员：什么都不做
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `chat_membership` WHERE channel_id = \\? AND user_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel_id", "user_id", "volatile", "hidden"}).
			AddRow(uint64(9), uint64(3), uint64(5), false, false))
	mock.ExpectCommit()

	created, err := svc.AddChannelUser(3, 5, false)
	if err != nil {
		t.Fatalf("AddChannelUser: %v", err)
	}
	if created {
		t.Fatalf("expected created=false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
