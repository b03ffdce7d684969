package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"
)

// ProofVerifier confirms that a transaction settled a payment of at least the
// expected amount from the expected payer, by reading the chain directly.
type ProofVerifier struct {
	reader    ChainReader
	token     string
	recipient string
	logger    logrus.FieldLogger
}

// VerifierOption configures a ProofVerifier
type VerifierOption func(*ProofVerifier)

// WithRecipient also requires the transfer to go to recipient
func WithRecipient(recipient string) VerifierOption {
	return func(v *ProofVerifier) {
		v.recipient = recipient
	}
}

// WithVerifierLogger sets the logger used for rejection diagnostics
func WithVerifierLogger(logger logrus.FieldLogger) VerifierOption {
	return func(v *ProofVerifier) {
		v.logger = logger
	}
}

// NewProofVerifier creates a verifier for transfers of token
func NewProofVerifier(reader ChainReader, token string, opts ...VerifierOption) *ProofVerifier {
	v := &ProofVerifier{
		reader: reader,
		token:  token,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns true only if txRef is a successful transaction whose first
// token Transfer log moves at least expectedAmount from expectedPayer.
// It never returns an error; any failure is a clean false.
func (v *ProofVerifier) Verify(ctx context.Context, txRef string, expectedPayer string, expectedAmount *big.Int) bool {
	log := v.logger.WithField("tx_hash", txRef)

	if !IsValidTxHash(txRef) || !IsValidAddress(expectedPayer) || expectedAmount == nil {
		log.Debug("proof rejected: malformed reference or expectation")
		return false
	}

	exists, err := v.reader.TransactionExists(ctx, txRef)
	if err != nil || !exists {
		log.WithError(err).Debug("proof rejected: transaction not found")
		return false
	}

	receipt, err := v.reader.TransactionReceipt(ctx, txRef)
	if err != nil || receipt == nil {
		log.WithError(err).Debug("proof rejected: receipt not found")
		return false
	}
	if receipt.Status != TxStatusSuccess {
		log.WithField("status", receipt.Status).Debug("proof rejected: transaction failed")
		return false
	}

	transfer, ok := v.firstTransfer(receipt.Logs)
	if !ok {
		log.Debug("proof rejected: no matching transfer log")
		return false
	}

	if !strings.EqualFold(transfer.from, expectedPayer) {
		log.WithField("from", transfer.from).Debug("proof rejected: payer mismatch")
		return false
	}
	if v.recipient != "" && !strings.EqualFold(transfer.to, v.recipient) {
		log.WithField("to", transfer.to).Debug("proof rejected: recipient mismatch")
		return false
	}
	if transfer.amount.Cmp(expectedAmount) < 0 {
		log.WithField("amount", transfer.amount.String()).Debug("proof rejected: amount below expected")
		return false
	}
	return true
}

type decodedTransfer struct {
	from   string
	to     string
	amount *big.Int
}

// firstTransfer decodes the first log emitted by the token with the Transfer
// topic. Later matches are ignored.
func (v *ProofVerifier) firstTransfer(logs []Log) (decodedTransfer, bool) {
	for _, l := range logs {
		if !strings.EqualFold(l.Address, v.token) {
			continue
		}
		if len(l.Topics) == 0 || !strings.EqualFold(l.Topics[0], TransferEventTopic) {
			continue
		}
		if len(l.Topics) < 3 || len(l.Data) < 32 {
			return decodedTransfer{}, false
		}
		from, err := AddressFromTopic(l.Topics[1])
		if err != nil {
			return decodedTransfer{}, false
		}
		to, err := AddressFromTopic(l.Topics[2])
		if err != nil {
			return decodedTransfer{}, false
		}
		return decodedTransfer{
			from:   from,
			to:     to,
			amount: new(big.Int).SetBytes(l.Data[:32]),
		}, true
	}
	return decodedTransfer{}, false
}
