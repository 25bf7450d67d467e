// Package session mantém a associação entre conexões e usuários autenticados.
package session

// ConnID identifica uma conexão aceita pelo servidor
type ConnID uint64

// Registry associa conexões autenticadas ao nome de usuário. Não é seguro
// para uso concorrente: pertence à goroutine de despacho do servidor.
type Registry struct {
	users map[ConnID]string
}

// NewRegistry cria um registro vazio
func NewRegistry() *Registry {
	return &Registry{users: make(map[ConnID]string)}
}

// Bind associa a conexão ao usuário, substituindo qualquer associação anterior
func (r *Registry) Bind(conn ConnID, username string) {
	r.users[conn] = username
}

// Unbind remove a associação da conexão; conexões não associadas são ignoradas
func (r *Registry) Unbind(conn ConnID) {
	delete(r.users, conn)
}

// Lookup retorna o usuário associado à conexão
func (r *Registry) Lookup(conn ConnID) (string, bool) {
	username, ok := r.users[conn]
	return username, ok
}

// Len retorna o número de conexões autenticadas
func (r *Registry) Len() int {
	return len(r.users)
}
