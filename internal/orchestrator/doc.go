// Package orchestrator ведёт экземпляры workflow по их DAG.
//
// Orchestrator отвечает за:
//   - Создание экземпляров (Submit) и запуск корневых узлов (Start)
//   - Продвижение экземпляра при завершении узла (CompleteNode)
//   - Перевод в FAILED при неустранимой ошибке узла (FailNode)
//   - Pause / Resume / Cancel
//   - Принудительное завершение по таймауту и очистку старых экземпляров
//
// Orchestrator не хранит состояние в памяти: каждый переход читает
// экземпляр из репозитория и записывает его через Advance (CAS по version).
// При конфликте версии переход повторяется на свежем состоянии, поэтому
// несколько процессов могут продвигать один экземпляр одновременно.
package orchestrator
