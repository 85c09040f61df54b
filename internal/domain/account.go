package domain

// Account is the registry row for a connected business account.
type Account struct {
	ID         int64
	IGUserID   string
	ClientID   *int64
	BotEnabled bool
}
