package x402

// X402Version is the protocol version carried in every payload and 402 body.
const X402Version = 1

const (
	// HeaderPayment carries the base64 encoded PaymentPayload from client to server.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the base64 encoded SettleResponse back to the client.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements describes one way a client may pay for a resource.
// MaxAmountRequired is an integer string in the asset's base units (stroops
// for XLM and Stellar-issued assets).
type PaymentRequirements struct {
	Scheme            SchemeType             `json:"scheme"`
	Network           NetworkType            `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType"`
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// StellarPayload is the scheme specific part of an exact Stellar payment.
type StellarPayload struct {
	// Transaction is the signed transaction envelope, base64 XDR.
	Transaction string `json:"transaction"`
}

// PaymentPayload is the decoded content of the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      SchemeType     `json:"scheme"`
	Network     NetworkType    `json:"network"`
	Payload     StellarPayload `json:"payload"`
}

// PaymentRequiredResponse is the JSON body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error"`
}

// VerifyRequest is the body POSTed to a facilitator's /verify endpoint.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload" validate:"required"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements" validate:"required"`
}

// VerifyResponse is the facilitator's verdict on a payment payload.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest is the body POSTed to a facilitator's /settle endpoint.
type SettleRequest VerifyRequest

// SettleResponse reports the outcome of a settlement. Transaction is the
// Stellar transaction hash and is empty when Success is false.
type SettleResponse struct {
	Success     bool        `json:"success"`
	ErrorReason string      `json:"errorReason,omitempty"`
	Transaction string      `json:"transaction"`
	Network     NetworkType `json:"network"`
	Payer       string      `json:"payer,omitempty"`
}

// SupportedKind is one scheme/network pair a facilitator can handle.
type SupportedKind struct {
	X402Version int         `json:"x402Version"`
	Scheme      SchemeType  `json:"scheme"`
	Network     NetworkType `json:"network"`
}

// SupportedResponse is returned by a facilitator's /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
