// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions and computes the next
// occurrence after a given time.
//
// Supported syntax:
//
//	┌───────────── minute (0-59)
//	│ ┌───────────── hour (0-23)
//	│ │ ┌───────────── day of month (1-31)
//	│ │ │ ┌───────────── month (1-12 or jan-dec)
//	│ │ │ │ ┌───────────── day of week (0-7 or sun-sat, 0 and 7 = Sunday)
//	│ │ │ │ │
//	* * * * *
//
// Each field supports single values, ranges (1-5), lists (1,3,5),
// steps (*/15, 1-30/5), and the wildcard. The shorthands @hourly,
// @daily, @midnight, @weekly, @monthly, @yearly, and @annually are
// accepted in place of a full expression.
//
// All times are UTC. There is no seconds field.
package cron
