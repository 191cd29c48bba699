// Package domain holds the core entities of the send/verify plane: SMTP and
// IMAP accounts, proxies, campaigns, send attempts and dead letters.
// Components hold entity ids, not pointers; mutable runtime state (rate
// windows, warm-up counters, health scores) lives in the packages that own it.
package domain
