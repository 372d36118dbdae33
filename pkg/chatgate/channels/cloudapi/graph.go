package cloudapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/graphapi"
)

// phoneInfo is the subset of the phone number node read on connect.
type phoneInfo struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
}

func phoneNumber(ctx context.Context, g *graphapi.Client, creds Credentials) (phoneInfo, error) {
	var info phoneInfo
	err := g.Get(ctx, creds.PhoneNumberID+"?fields=id,display_phone_number,verified_name", creds.AccessToken, &info)
	return info, err
}

func sendMessage(ctx context.Context, g *graphapi.Client, creds Credentials, payload map[string]any) (string, error) {
	payload["messaging_product"] = "whatsapp"
	payload["recipient_type"] = "individual"

	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := g.PostJSON(ctx, creds.PhoneNumberID+"/messages", creds.AccessToken, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", errors.New("cloudapi: send response carries no message id")
	}
	return resp.Messages[0].ID, nil
}

// uploadMedia stores a media payload and returns its media id.
func uploadMedia(ctx context.Context, g *graphapi.Client, creds Credentials, m channels.Media) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	_ = w.WriteField("messaging_product", "whatsapp")
	_ = w.WriteField("type", m.MimeType)

	filename := m.Filename
	if filename == "" {
		filename = "file"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", m.MimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("cloudapi: creating form file: %w", err)
	}
	if _, err := part.Write(m.Data); err != nil {
		return "", fmt.Errorf("cloudapi: writing file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("cloudapi: closing form: %w", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := g.Do(ctx, http.MethodPost, creds.PhoneNumberID+"/media", creds.AccessToken, &buf, w.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
