// Package mpesa implements the Safaricom Daraja B2C client used to disburse
// winnings to mobile-money wallets.
package mpesa

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Outbound request / synchronous ack
// ──────────────────────────────────────────────────────────────────────────────

// b2cPayload is the JSON body of a Daraja B2C payment request. Field names
// follow the provider's wire format exactly.
type b2cPayload struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

// DisburseRequest is what callers hand the gateway: who to pay, how much, and
// the correlation reference the asynchronous result will carry back.
type DisburseRequest struct {
	Phone       string          // recipient, normalised to 254XXXXXXXXX
	Amount      decimal.Decimal // KES; Daraja accepts whole shillings only
	ExternalRef string          // our correlation reference, echoed via Occasion
	Remarks     string          // free text shown on the recipient's statement
}

// Ack is the provider's synchronous acknowledgement of a B2C request.
// It only means "queued for processing" — the authoritative verdict arrives
// later on the result callback.
type Ack struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// Accepted reports whether the provider queued the request.
func (a *Ack) Accepted() bool {
	return a.ResponseCode == "0"
}

// ──────────────────────────────────────────────────────────────────────────────
// Asynchronous result callback
// ──────────────────────────────────────────────────────────────────────────────

// B2CResult is the normalised form of a Daraja result callback.
// ResultCode 0 means the money moved; anything else is a provider rejection.
type B2CResult struct {
	ResultCode               int    `json:"ResultCode"`
	ResultDesc               string `json:"ResultDesc"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	TransactionID            string `json:"TransactionID"`
	Occasion                 string // our external_ref, when echoed back
}

// Success reports whether the provider confirmed the disbursement.
func (r *B2CResult) Success() bool {
	return r.ResultCode == 0
}

type resultParameter struct {
	Key   string          `json:"Key"`
	Value json.RawMessage `json:"Value"`
}

// resultEnvelope matches the documented callback shape, where the result is
// nested under a "Result" key.
type resultEnvelope struct {
	Result *struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ReferenceData            *struct {
			ReferenceItem json.RawMessage `json:"ReferenceItem"`
		} `json:"ReferenceData"`
		ResultParameters *struct {
			ResultParameter []resultParameter `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// ParseResult decodes a result callback body. Sandbox and some relay setups
// post the result object flat rather than wrapped under "Result", so both
// shapes are accepted.
func ParseResult(body []byte) (*B2CResult, error) {
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("mpesa.ParseResult: %w", err)
	}
	if env.Result != nil {
		res := &B2CResult{
			ResultCode:               env.Result.ResultCode,
			ResultDesc:               env.Result.ResultDesc,
			OriginatorConversationID: env.Result.OriginatorConversationID,
			ConversationID:           env.Result.ConversationID,
			TransactionID:            env.Result.TransactionID,
		}
		if env.Result.ResultParameters != nil {
			res.Occasion = extractOccasion(env.Result.ResultParameters.ResultParameter)
		}
		return res, nil
	}

	// Flat shape.
	var flat B2CResult
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("mpesa.ParseResult flat: %w", err)
	}
	if flat.ConversationID == "" && flat.OriginatorConversationID == "" {
		return nil, fmt.Errorf("mpesa.ParseResult: no conversation identifiers in callback")
	}
	return &flat, nil
}

func extractOccasion(params []resultParameter) string {
	for _, p := range params {
		if p.Key == "Occasion" || p.Key == "Occassion" { // provider misspells it in some environments
			var s string
			if err := json.Unmarshal(p.Value, &s); err == nil {
				return s
			}
		}
	}
	return ""
}
