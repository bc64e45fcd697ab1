package models

// Notification channel names.
const (
	ChannelTransactionCreated = "transaction_created"
	ChannelPriceUpdateTrigger = "price_update_trigger"
)

// Notification is a message received on a LISTEN channel.
type Notification struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// TransactionCreatedPayload is the JSON payload of transaction_created.
type TransactionCreatedPayload struct {
	AssetID int64 `json:"asset_id"`
}
