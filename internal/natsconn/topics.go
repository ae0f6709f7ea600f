package natsconn

import (
	"fmt"
)

// SubjectPrefix is the prefix for all chat subjects.
const SubjectPrefix = "chat"

// Outbound subjects the core publishes to.
const (
	SendMessageTopic  = SubjectPrefix + ".send.message"
	SendTypingTopic   = SubjectPrefix + ".send.typing"
	SendPresenceTopic = SubjectPrefix + ".send.presence"
	SendEditTopic     = SubjectPrefix + ".send.edit"
)

// UserMessagesTopic is the per-user queue for direct messages.
func UserMessagesTopic(userID string) string {
	return fmt.Sprintf("%s.user.%s.messages", SubjectPrefix, userID)
}

// UserPrivateAckTopic is the per-user queue for private-send acknowledgments.
func UserPrivateAckTopic(userID string) string {
	return fmt.Sprintf("%s.user.%s.ack.private", SubjectPrefix, userID)
}

// UserGroupAckTopic is the per-user queue for group-send acknowledgments.
func UserGroupAckTopic(userID string) string {
	return fmt.Sprintf("%s.user.%s.ack.group", SubjectPrefix, userID)
}

// UserPresenceTopic is the per-user queue for counterpart presence notices.
func UserPresenceTopic(userID string) string {
	return fmt.Sprintf("%s.user.%s.presence", SubjectPrefix, userID)
}

// UserTypingTopic is the per-user queue for private typing notices.
func UserTypingTopic(userID string) string {
	return fmt.Sprintf("%s.user.%s.typing", SubjectPrefix, userID)
}

// GroupMessagesTopic is the broadcast subject for a group's messages.
func GroupMessagesTopic(groupID string) string {
	return fmt.Sprintf("%s.group.%s.messages", SubjectPrefix, groupID)
}

// GroupTypingTopic is the broadcast subject for a group's typing notices.
func GroupTypingTopic(groupID string) string {
	return fmt.Sprintf("%s.group.%s.typing", SubjectPrefix, groupID)
}
