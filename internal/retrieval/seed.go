package retrieval

import "github.com/opensource-finance/kestrel/internal/domain"

// SourceSeed marks built-in typologies; SourceFeedback marks analyst input.
const (
	SourceSeed     = "seed"
	SourceFeedback = "feedback"
)

// Fraud types given to patterns built from analyst feedback.
const (
	TypeConfirmedFraud      = "confirmed_fraud"
	TypeConfirmedLegitimate = "confirmed_legitimate"
)

// seedPatterns is the corpus loaded into an empty store.
var seedPatterns = []domain.Pattern{
	{
		ID:        "seed-card-testing",
		FraudType: "card_testing",
		Text:      "Many small online purchases in quick succession at different merchants, high velocity within one hour, often digital goods or donations, testing stolen card numbers before a large purchase.",
	},
	{
		ID:        "seed-account-takeover",
		FraudType: "account_takeover",
		Text:      "Purchase from a new device and unfamiliar IP address, unusual hour, shipping or merchant country different from the customer home country, amount far above the customer's usual spending.",
	},
	{
		ID:        "seed-high-value-electronics",
		FraudType: "reshipping",
		Text:      "High value online purchase of electronics or luxury goods, foreign merchant, new device, amount outlier compared to history, typical of goods resold through reshipping mules.",
	},
	{
		ID:        "seed-gift-cards",
		FraudType: "gift_card_cashout",
		Text:      "Repeated gift card purchases with a high merchant risk score, often online and at night, used to cash out compromised cards quickly.",
	},
	{
		ID:        "seed-crypto-cashout",
		FraudType: "crypto_cashout",
		Text:      "Large transfer to a crypto exchange or money transfer merchant from a high risk country, foreign to the customer, shortly after account changes.",
	},
	{
		ID:        "seed-velocity-burst",
		FraudType: "velocity_burst",
		Text:      "Burst of transactions in the last hour and last 24 hours far above the customer's normal velocity, across several merchant categories.",
	},
	{
		ID:        "seed-geo-impossible",
		FraudType: "geo_impossibility",
		Text:      "Card present purchase in a foreign country shortly after an in-person purchase in the home country, impossible travel between locations.",
	},
	{
		ID:        "seed-travel-luxury",
		FraudType: "travel_fraud",
		Text:      "Airline tickets or travel bookings for third parties, high amount, online, booked close to departure from an unfamiliar device.",
	},
}
