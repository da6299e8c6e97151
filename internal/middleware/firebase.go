package middleware

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

type FirebaseAuthConfig struct {
	ProjectID       string
	CredentialsJSON string
}

// NewFirebaseAuthClient returns nil without error when no project is set.
func NewFirebaseAuthClient(ctx context.Context, cfg FirebaseAuthConfig) (*fbauth.Client, error) {
	if cfg.ProjectID == "" {
		return nil, nil
	}
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase: new app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase: auth client: %w", err)
	}
	return client, nil
}

// FirebaseVerifier accepts Firebase ID tokens; the principal is the UID.
type FirebaseVerifier struct {
	Client *fbauth.Client
}

func (v FirebaseVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if v.Client == nil {
		return "", fmt.Errorf("firebase auth not configured")
	}
	t, err := v.Client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}
	return t.UID, nil
}
