package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unihive/unihive-server/apperrors"
	"github.com/unihive/unihive-server/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*MessagingService, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}))

	return NewMessagingService(db), db
}

func createUser(t *testing.T, db *gorm.DB, name string) models.User {
	t.Helper()

	user := models.User{
		FullName: name,
		Email:    name + "@unihive.dev",
		Password: "hashed",
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func assertCode(t *testing.T, err error, code apperrors.Code) *apperrors.AppError {
	t.Helper()

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
	return appErr
}

func TestGetOrCreateConversationSamePairEitherOrder(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	first, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, first.OtherParticipant.ID)
	assert.Nil(t, first.LastMessage)

	second, err := svc.GetOrCreateConversation(bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, alice.ID, second.OtherParticipant.ID)

	var count int64
	require.NoError(t, db.Model(&models.Conversation{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGetOrCreateConversationWithSelf(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")

	_, err := svc.GetOrCreateConversation(alice.ID, alice.ID)
	assertCode(t, err, apperrors.CodeInvalidArgument)
}

func TestGetOrCreateConversationUnknownRecipient(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")

	_, err := svc.GetOrCreateConversation(alice.ID, uuid.New())
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestSendMessageAdvancesConversationPointer(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	msg, err := svc.SendMessage(conv.ID, alice.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, msg.SenderID)
	assert.Equal(t, "alice", msg.Sender.FullName)
	assert.False(t, msg.IsRead)

	var stored models.Conversation
	require.NoError(t, db.First(&stored, "id = ?", conv.ID).Error)
	require.NotNil(t, stored.LastMessageID)
	assert.Equal(t, msg.ID, *stored.LastMessageID)
}

func TestSendMessageValidation(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = svc.SendMessage(conv.ID, alice.ID, "   ")
	assertCode(t, err, apperrors.CodeInvalidArgument)

	_, err = svc.SendMessage(uuid.Nil, alice.ID, "hello")
	assertCode(t, err, apperrors.CodeInvalidArgument)
}

func TestListMessagesMarksOtherPartyRead(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	sent, err := svc.SendMessage(conv.ID, alice.ID, "hello")
	require.NoError(t, err)

	// The sender reading the thread must not flip their own message.
	_, err = svc.ListMessages(conv.ID, alice.ID, 50, 0)
	require.NoError(t, err)
	var stored models.Message
	require.NoError(t, db.First(&stored, "id = ?", sent.ID).Error)
	assert.False(t, stored.IsRead)

	page, err := svc.ListMessages(conv.ID, bob.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, sent.ID, page.Messages[0].ID)

	require.NoError(t, db.First(&stored, "id = ?", sent.ID).Error)
	assert.True(t, stored.IsRead)
}

func TestListMessagesNewestFirstPagination(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	var ids []uuid.UUID
	for i, content := range []string{"one", "two", "three"} {
		msg, err := svc.SendMessage(conv.ID, alice.ID, content)
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.Message{}).
			Where("id = ?", msg.ID).
			Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
		ids = append(ids, msg.ID)
	}

	page, err := svc.ListMessages(conv.ID, bob.ID, 2, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, ids[2], page.Messages[0].ID)
	assert.Equal(t, ids[1], page.Messages[1].ID)

	page, err = svc.ListMessages(conv.ID, bob.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, ids[0], page.Messages[0].ID)
}

func TestUnreadCountTracksOtherPartyOnly(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = svc.SendMessage(conv.ID, alice.ID, "hello")
	require.NoError(t, err)

	// Bob reads, then replies.
	_, err = svc.ListMessages(conv.ID, bob.ID, 50, 0)
	require.NoError(t, err)
	reply, err := svc.SendMessage(conv.ID, bob.ID, "hi back")
	require.NoError(t, err)

	forAlice, err := svc.ListConversationsFor(alice.ID)
	require.NoError(t, err)
	require.Len(t, forAlice, 1)
	assert.EqualValues(t, 1, forAlice[0].UnreadCount)
	require.NotNil(t, forAlice[0].LastMessage)
	assert.Equal(t, reply.ID, forAlice[0].LastMessage.ID)
	assert.Equal(t, bob.ID, forAlice[0].OtherParticipant.ID)

	forBob, err := svc.ListConversationsFor(bob.ID)
	require.NoError(t, err)
	require.Len(t, forBob, 1)
	assert.EqualValues(t, 0, forBob[0].UnreadCount)
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	cara := createUser(t, db, "cara")

	withBob, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	withCara, err := svc.GetOrCreateConversation(alice.ID, cara.ID)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.Conversation{}).
		Where("id = ?", withBob.ID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)

	_, err = svc.SendMessage(withBob.ID, bob.ID, "bump")
	require.NoError(t, err)

	listed, err := svc.ListConversationsFor(alice.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, withBob.ID, listed[0].ID)
	assert.Equal(t, withCara.ID, listed[1].ID)
}

func TestMarkReadIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = svc.SendMessage(conv.ID, alice.ID, "hello")
	require.NoError(t, err)
	_, err = svc.SendMessage(conv.ID, alice.ID, "are you there")
	require.NoError(t, err)

	count, err := svc.MarkRead(conv.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	count, err = svc.MarkRead(conv.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestMarkReadFilteredByMessageIDs(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	first, err := svc.SendMessage(conv.ID, alice.ID, "one")
	require.NoError(t, err)
	second, err := svc.SendMessage(conv.ID, alice.ID, "two")
	require.NoError(t, err)

	count, err := svc.MarkRead(conv.ID, bob.ID, []uuid.UUID{first.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	var stored models.Message
	require.NoError(t, db.First(&stored, "id = ?", second.ID).Error)
	assert.False(t, stored.IsRead)
}

func TestMarkReadNeverTouchesOwnMessages(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	sent, err := svc.SendMessage(conv.ID, alice.ID, "hello")
	require.NoError(t, err)

	count, err := svc.MarkRead(conv.ID, alice.ID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	var stored models.Message
	require.NoError(t, db.First(&stored, "id = ?", sent.ID).Error)
	assert.False(t, stored.IsRead)
}

func TestNonParticipantSeesSameErrorAsMissingConversation(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	eve := createUser(t, db, "eve")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	_, asOutsider := svc.ListMessages(conv.ID, eve.ID, 50, 0)
	_, asMissing := svc.ListMessages(uuid.New(), eve.ID, 50, 0)

	outsiderErr := assertCode(t, asOutsider, apperrors.CodeNotFound)
	missingErr := assertCode(t, asMissing, apperrors.CodeNotFound)
	assert.Equal(t, missingErr.Message, outsiderErr.Message)

	_, err = svc.SendMessage(conv.ID, eve.ID, "let me in")
	sendErr := assertCode(t, err, apperrors.CodeNotFound)
	assert.Equal(t, missingErr.Message, sendErr.Message)

	_, err = svc.MarkRead(conv.ID, eve.ID, nil)
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestEnsureParticipant(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	eve := createUser(t, db, "eve")

	conv, err := svc.GetOrCreateConversation(alice.ID, bob.ID)
	require.NoError(t, err)

	got, err := svc.EnsureParticipant(conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, got.OtherParticipantID(alice.ID))

	_, err = svc.EnsureParticipant(conv.ID, eve.ID)
	assertCode(t, err, apperrors.CodeNotFound)
}
