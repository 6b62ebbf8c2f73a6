package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedCallback is returned when a callback body is not a usable STK result.
var ErrMalformedCallback = errors.New("malformed stk callback")

// Callback is the decoded result the provider posts to the callback URL.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// Populated from CallbackMetadata on successful payments.
	ReceiptNumber   string
	Amount          int64
	PhoneNumber     string
	TransactionDate string
}

// Outcome reports whether the callback settles the payment as paid or failed.
func (c Callback) Outcome() Outcome {
	return OutcomeFromCallbackCode(c.ResultCode)
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        *flexString `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []callbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback decodes an STK callback body.
// It fails with ErrMalformedCallback when the body is not JSON, lacks Body.stkCallback,
// lacks a CheckoutRequestID, or carries a non-numeric ResultCode.
func ParseCallback(r io.Reader) (Callback, error) {
	var env callbackEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return Callback{}, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	stk := env.Body.StkCallback
	if strings.TrimSpace(stk.CheckoutRequestID) == "" {
		return Callback{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if stk.ResultCode == nil {
		return Callback{}, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}
	code, ok := stk.ResultCode.Int()
	if !ok {
		return Callback{}, fmt.Errorf("%w: non-numeric ResultCode %q", ErrMalformedCallback, string(*stk.ResultCode))
	}

	cb := Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: strings.TrimSpace(stk.CheckoutRequestID),
		ResultCode:        code,
		ResultDesc:        stk.ResultDesc,
	}
	if stk.CallbackMetadata != nil {
		for _, item := range stk.CallbackMetadata.Item {
			switch item.Name {
			case "MpesaReceiptNumber":
				cb.ReceiptNumber = rawString(item.Value)
			case "Amount":
				if n, err := strconv.ParseFloat(rawString(item.Value), 64); err == nil {
					cb.Amount = int64(n)
				}
			case "PhoneNumber":
				cb.PhoneNumber = rawString(item.Value)
			case "TransactionDate":
				cb.TransactionDate = rawString(item.Value)
			}
		}
	}
	return cb, nil
}

// rawString renders a metadata value that may be a JSON string or number.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
