package services

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/kindred/backend/internal/models"
)

var ErrScreeningUnavailable = errors.New("photo screening is not configured")

// WithPhotoScreener enables ScreenProfilePhoto.
func (s *VerificationService) WithPhotoScreener(p PhotoScreener) *VerificationService {
	s.screener = p
	return s
}

// ScreenProfilePhoto runs the photo through SafeSearch and raises a
// suspicious_profile flag when it looks unsafe or spoofed.
func (s *VerificationService) ScreenProfilePhoto(ctx context.Context, accountID, photoURI string) (*models.PhotoScreenResult, error) {
	if s.screener == nil {
		return nil, ErrScreeningUnavailable
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	res, err := s.screener.Screen(ctx, photoURI)
	if err != nil {
		return nil, err
	}
	out := &models.PhotoScreenResult{Flagged: res.Unsafe() || res.Spoofed(), Reasons: res.Reasons()}
	if !out.Flagged {
		return out, nil
	}
	s.log.Info("profile photo flagged",
		zap.String("account_id", accountID),
		zap.Strings("reasons", out.Reasons),
	)
	if _, err := s.ReportSuspiciousProfile(ctx, accountID, "photo screen: "+strings.Join(out.Reasons, ",")); err != nil {
		return nil, err
	}
	return out, nil
}
