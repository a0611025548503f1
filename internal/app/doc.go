// Package app собирает общую инфраструктуру процессов Relay из config.Config:
// хранилища экземпляров и определений, KV-хранилище, отчёт runtime-gauges.
//
// Каждый cmd/relay-* процесс вызывает OpenStores / OpenKV и закрывает
// результат через Close при завершении.
package app
