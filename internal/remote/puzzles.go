package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ashureev/sudoku-sync/internal/domain"
)

// SudokuOfTheDay fetches today's puzzle for a difficulty.
func (c *Client) SudokuOfTheDay(ctx context.Context, difficulty domain.Difficulty) *domain.SudokuOfTheDay {
	if !c.ready(ctx) {
		return nil
	}
	slog.Info("Fetching sudoku of the day", "difficulty", difficulty)
	var resp domain.SudokuOfTheDay
	q := url.Values{"difficulty": {string(difficulty)}}
	if !c.do(ctx, http.MethodGet, "/sudoku/ofTheDay", q, nil, &resp) {
		return nil
	}
	return &resp
}

// BookOfTheMonth fetches the current puzzle book.
func (c *Client) BookOfTheMonth(ctx context.Context) *domain.BookOfTheMonth {
	if !c.ready(ctx) {
		return nil
	}
	slog.Info("Fetching sudoku book of the month")
	var resp domain.BookOfTheMonth
	if !c.do(ctx, http.MethodGet, "/sudoku/bookOfTheMonth", nil, nil, &resp) {
		return nil
	}
	return &resp
}
