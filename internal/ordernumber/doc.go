// Package ordernumber mints the till's unified order numbers.
//
// A number is the type letter, the local date as YYMMDD and a five-digit
// per-type, per-day sequence:
//
//	S24050100001   first sale on 2024-05-01
//	R24050100003   third return that day
//
// Sequences live in order_sequences keyed "S_240501". Every read and
// write goes through the store queue, so two callers never see the same
// value. If the table cannot be used, the Service can fall back to a
// clock-derived sequence; such numbers are flagged Degraded.
package ordernumber
