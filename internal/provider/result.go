package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// DeliveryResult is the tagged outcome of one send. Success results carry
// MessageID and Cost, failure results carry Reason and Retryable.
type DeliveryResult struct {
	Outcome   domain.Outcome
	MessageID string
	Cost      *float64
	Currency  string
	Reason    string
	Retryable bool
}

func Success(messageID string, cost *float64, currency string) DeliveryResult {
	return DeliveryResult{Outcome: domain.OutcomeSuccess, MessageID: messageID, Cost: cost, Currency: currency}
}

func Failure(reason string, retryable bool) DeliveryResult {
	return DeliveryResult{Outcome: domain.OutcomeFailure, Reason: reason, Retryable: retryable}
}

func (r DeliveryResult) IsSuccess() bool {
	return r.Outcome == domain.OutcomeSuccess
}

// Deliver calls p.Send and folds the answer into a DeliveryResult. The
// adapter's classification is trusted; unclassified errors are retryable.
func Deliver(ctx context.Context, p Provider, msg Message) DeliveryResult {
	if p == nil {
		return Failure("no provider for channel "+msg.Channel.String(), true)
	}

	receipt, err := p.Send(ctx, msg)
	if err != nil {
		return Failure(failureReason(err), IsTransient(err))
	}
	if receipt == nil {
		return Failure("provider returned no receipt", true)
	}
	return Success(receipt.MessageID, receipt.Cost, receipt.Currency)
}

func failureReason(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if msg := strings.TrimSpace(pe.Message); msg != "" {
			return msg
		}
	}
	return err.Error()
}
