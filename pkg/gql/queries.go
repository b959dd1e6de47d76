package gql

import (
	"embed"
	"strings"

	"github.com/pkg/errors"
)

//go:embed queries/*.graphql
var queryFS embed.FS

const (
	QuerySendMessage      = "SendMessageMutation"
	QueryHistory          = "ChatListPaginationQuery"
	QueryDeleteMessages   = "DeleteMessageMutation"
	QueryMessageBreak     = "AddMessageBreakMutation"
	QueryDeleteAll        = "SettingsDeleteAllMessagesButton_deleteUserMessagesMutation_Mutation"
	QuerySubscriptions    = "SubscriptionsMutation"
	SubMessageAdded       = "MessageAddedSubscription"
	SubViewerState        = "ViewerStateUpdatedSubscription"
	SubViewerMessageLimit = "ViewerMessageLimitUpdatedSubscription"
)

// Query returns the embedded document for name.
func Query(name string) (string, error) {
	b, err := queryFS.ReadFile("queries/" + name + ".graphql")
	if err != nil {
		return "", errors.Wrapf(err, "unknown query %q", name)
	}
	return strings.TrimSpace(string(b)), nil
}
