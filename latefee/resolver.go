/*
resolver.go - Days-overdue resolution per target type

PURPOSE:
  Each target type encodes "due" differently, so each has its own formula.
  A Resolution carries the days overdue, the principal a fee is based on,
  and the descriptive fields copied onto the Calculation.

FORMULAS:
  Invoice:
    actual   = latest completed payment date, else the supplied date
    days     = floor(actual - invoice.DueDate), >= 0
    principal = invoice.TotalAmount

  Contract:
    last     = latest completed payment date, else the supplied date
    monthEnd = last day of last's calendar month
    days     = floor(monthEnd - last), >= 0
    principal = contract.MonthlyAmount

  Payment:
    days     = floor(payment.CreatedAt - payment.PaymentDate), >= 0
    principal = payment.Amount
    zero days -> no calculation (the caller short-circuits)
*/
package latefee

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Resolution is a target reduced to what the fee pipeline needs.
type Resolution struct {
	TargetID     string
	TargetType   TargetType
	TargetNumber string
	CustomerID   string
	CompanyID    string

	DueDate     time.Time
	PaymentDate time.Time
	DaysOverdue int
	Principal   decimal.Decimal
}

// Resolver computes Resolutions. It reads payment history through the
// DataSource; the target record itself is passed in.
type Resolver struct {
	Source DataSource
}

// ResolveInvoice measures lateness against the invoice due date.
func (r Resolver) ResolveInvoice(ctx context.Context, inv Invoice, paymentDate time.Time) (Resolution, error) {
	actual := paymentDate
	last, err := r.Source.GetLatestCompletedPayment(ctx, TargetInvoice, inv.ID)
	if err != nil {
		return Resolution{}, wrapAccess("get latest invoice payment", err)
	}
	if last != nil {
		actual = last.PaymentDate
	}

	return Resolution{
		TargetID:     inv.ID,
		TargetType:   TargetInvoice,
		TargetNumber: inv.Number,
		CustomerID:   inv.CustomerID,
		CompanyID:    inv.CompanyID,
		DueDate:      inv.DueDate,
		PaymentDate:  actual,
		DaysOverdue:  DaysOverdue(inv.DueDate, actual),
		Principal:    inv.TotalAmount,
	}, nil
}

// ResolveContract treats the last payment as due by the end of its month.
func (r Resolver) ResolveContract(ctx context.Context, c Contract, paymentDate time.Time) (Resolution, error) {
	lastPaid := paymentDate
	last, err := r.Source.GetLatestCompletedPayment(ctx, TargetContract, c.ID)
	if err != nil {
		return Resolution{}, wrapAccess("get latest contract payment", err)
	}
	if last != nil {
		lastPaid = last.PaymentDate
	}

	monthEnd := EndOfMonth(lastPaid)
	return Resolution{
		TargetID:     c.ID,
		TargetType:   TargetContract,
		TargetNumber: c.Number,
		CustomerID:   c.CustomerID,
		CompanyID:    c.CompanyID,
		DueDate:      monthEnd,
		PaymentDate:  lastPaid,
		DaysOverdue:  DaysOverdue(lastPaid, monthEnd),
		Principal:    c.MonthlyAmount,
	}, nil
}

// ResolvePayment measures the lag between the declared date and recording.
func (r Resolver) ResolvePayment(p Payment) Resolution {
	return Resolution{
		TargetID:     p.ID,
		TargetType:   TargetPayment,
		TargetNumber: p.Number,
		CustomerID:   p.CustomerID,
		CompanyID:    p.CompanyID,
		DueDate:      p.PaymentDate,
		PaymentDate:  p.CreatedAt,
		DaysOverdue:  DaysOverdue(p.PaymentDate, p.CreatedAt),
		Principal:    p.Amount,
	}
}
