package payment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// NewReference returns {PREFIX}_{unix}_{8 hex chars}. The suffix comes from
// crypto/rand so references cannot be guessed from the timestamp.
func NewReference(prefix string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reference: %w", err)
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "PAY"
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), hex.EncodeToString(buf)), nil
}

func referencePrefix(req PaymentRequest) string {
	switch req.Type {
	case TypeFeePayment:
		if req.ParentID != nil {
			return fmt.Sprintf("FEE_%d", *req.ParentID)
		}
		return "FEE"
	case TypeOnboarding:
		if req.SchoolID != nil {
			return fmt.Sprintf("ONB_%d", *req.SchoolID)
		}
		return "ONB"
	case TypeSubscription:
		if req.SchoolID != nil {
			return fmt.Sprintf("SUB_%d", *req.SchoolID)
		}
		return "SUB"
	}
	return "PAY"
}
