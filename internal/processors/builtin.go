package processors

import (
	"net/http"

	"github.com/shaiso/Relay/internal/registry"
)

// Builtin возвращает встроенные процессоры. client nil — http.DefaultClient.
func Builtin(client *http.Client) []registry.Processor {
	return []registry.Processor{
		&HTTP{Client: client},
		Delay{},
		Transform{},
	}
}
