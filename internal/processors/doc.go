// Package processors содержит встроенные процессоры Relay.
//
//   - http — HTTP-запрос с повтором по кодам ответа
//   - delay — ожидание duration_sec секунд
//   - transform — pass-through отрендеренных params
//
// Builtin возвращает их для регистрации в registry.Registry:
//
//	reg.MustRegister(processors.Builtin(nil)...)
package processors
