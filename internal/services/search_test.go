package services_test

import (
	"testing"

	"github.com/MegaGrindStone/chat-web-ui/internal/services"
)

func TestAutoSearch(t *testing.T) {
	tests := []struct {
		name     string
		keywords []string
		text     string
		want     bool
	}{
		{name: "English keyword", text: "What's the latest on the election?", want: true},
		{name: "Case insensitive", text: "NEWS about Go", want: true},
		{name: "Vietnamese keyword", text: "Thời tiết Hà Nội thế nào?", want: true},
		{name: "Decomposed Vietnamese", text: "tin tu\u031b\u0301c về Go", want: true},
		{name: "No keyword", text: "Write a haiku about cats", want: false},
		{name: "Custom keywords", keywords: []string{"stock"}, text: "stock of ACME", want: true},
		{name: "Custom keywords replace defaults", keywords: []string{"stock"}, text: "latest news", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := services.NewAutoSearch(tt.keywords)
			if got := a.ShouldSearch(tt.text); got != tt.want {
				t.Errorf("ShouldSearch(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
