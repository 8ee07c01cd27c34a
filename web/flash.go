// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package web

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

const flashCookieName = "agentgram_flash"

// FlashMessage is a notification carried across a redirect in a cookie.
type FlashMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func flashCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     flashCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

// SetFlash stores a message for the next page render.
func SetFlash(w http.ResponseWriter, flashType, message string) {
	data, err := json.Marshal(FlashMessage{Type: flashType, Message: message})
	if err != nil {
		return
	}
	http.SetCookie(w, flashCookie(base64.URLEncoding.EncodeToString(data), 60))
}

// GetFlash pops the pending message, if any.
func GetFlash(w http.ResponseWriter, r *http.Request) *FlashMessage {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil {
		return nil
	}
	http.SetCookie(w, flashCookie("", -1))

	decoded, err := base64.URLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil
	}
	var flash FlashMessage
	if err := json.Unmarshal(decoded, &flash); err != nil {
		return nil
	}
	return &flash
}

func SetSuccessFlash(w http.ResponseWriter, message string) {
	SetFlash(w, "success", message)
}

func SetErrorFlash(w http.ResponseWriter, message string) {
	SetFlash(w, "error", message)
}
