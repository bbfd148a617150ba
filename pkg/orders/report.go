package orders

import (
	"context"
	"sort"
	"time"

	"github.com/example/tableside/pkg/models"
)

const (
	reportDays   = 7
	reportRecent = 5
)

type DailySales struct {
	Date    string  `json:"date"`
	Revenue float64 `json:"revenue"`
	Orders  int     `json:"orders"`
}

// SalesReport summarises completed orders.
type SalesReport struct {
	TotalRevenue float64         `json:"total_revenue"`
	TotalOrders  int             `json:"total_orders"`
	AvgTicket    float64         `json:"avg_ticket"`
	Daily        []DailySales    `json:"daily"`
	Recent       []*models.Order `json:"recent"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// SalesReport covers every completed order, plus per-day revenue for the last
// seven days (today included) and the most recently completed orders.
func (s *Service) SalesReport(ctx context.Context) (*SalesReport, error) {
	completed, err := s.ListOrders(ctx, ListFilter{Statuses: []models.Status{models.StatusCompleted}})
	if err != nil {
		return nil, err
	}
	return buildSalesReport(completed, s.clock.Now()), nil
}

func buildSalesReport(completed []*models.Order, now time.Time) *SalesReport {
	now = now.UTC()
	report := &SalesReport{
		Daily:       make([]DailySales, reportDays),
		Recent:      []*models.Order{},
		GeneratedAt: now,
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	first := today.AddDate(0, 0, -(reportDays - 1))
	index := make(map[string]int, reportDays)
	for i := range report.Daily {
		day := first.AddDate(0, 0, i).Format(time.DateOnly)
		report.Daily[i].Date = day
		index[day] = i
	}

	for _, o := range completed {
		report.TotalRevenue += o.TotalAmount
		report.TotalOrders++
		if i, ok := index[completedAt(o).UTC().Format(time.DateOnly)]; ok {
			report.Daily[i].Revenue = roundAmount(report.Daily[i].Revenue + o.TotalAmount)
			report.Daily[i].Orders++
		}
	}
	report.TotalRevenue = roundAmount(report.TotalRevenue)
	if report.TotalOrders > 0 {
		report.AvgTicket = roundAmount(report.TotalRevenue / float64(report.TotalOrders))
	}

	recent := append([]*models.Order(nil), completed...)
	sort.SliceStable(recent, func(i, j int) bool {
		return completedAt(recent[i]).After(completedAt(recent[j]))
	})
	if len(recent) > reportRecent {
		recent = recent[:reportRecent]
	}
	report.Recent = append(report.Recent, recent...)
	return report
}

func completedAt(o *models.Order) time.Time {
	if t := o.StatusTimestamps.CompletedAt; t != nil {
		return *t
	}
	return o.UpdatedAt
}
