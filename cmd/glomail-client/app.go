package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/carloslauriano/glomail/client"
)

const authMenu = `Menu de conexão
1. Criar uma conta
2. Entrar
3. Sair`

const mainMenu = `Menu principal
1. Ler os emails
2. Enviar um email
3. Estatísticas
4. Desconectar`

const emailDisplay = `
De: %s
Para: %s
Assunto: %s
Data: %s
----------------------------------------
%s
`

// endOfBody termina a digitação do corpo de um email
const endOfBody = "."

// app conduz os menus do cliente sobre uma entrada e uma saída de texto
type app struct {
	c   *client.Client
	in  *bufio.Scanner
	out io.Writer
}

func newApp(c *client.Client, in io.Reader, out io.Writer) *app {
	return &app{c: c, in: bufio.NewScanner(in), out: out}
}

// run repete os menus até o usuário sair ou a entrada acabar
func (a *app) run() error {
	for {
		var (
			quit bool
			err  error
		)
		if a.c.Username() == "" {
			quit, err = a.authStep()
		} else {
			err = a.mainStep()
		}
		if errors.Is(err, io.EOF) {
			return a.c.Quit()
		}
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func (a *app) authStep() (bool, error) {
	fmt.Fprintln(a.out, authMenu)
	choice, err := a.prompt("Digite sua escolha [1-3]: ")
	if err != nil {
		return false, err
	}

	switch choice {
	case "1":
		return false, a.authenticate(a.c.Register)
	case "2":
		return false, a.authenticate(a.c.Login)
	case "3":
		return true, a.c.Quit()
	default:
		fmt.Fprintln(a.out, "Escolha inválida.")
		return false, nil
	}
}

func (a *app) mainStep() error {
	fmt.Fprintln(a.out, mainMenu)
	choice, err := a.prompt("Digite sua escolha [1-4]: ")
	if err != nil {
		return err
	}

	switch choice {
	case "1":
		return a.readEmail()
	case "2":
		return a.sendEmail()
	case "3":
		return a.stats()
	case "4":
		return a.report(a.c.Logout())
	default:
		fmt.Fprintln(a.out, "Escolha inválida.")
		return nil
	}
}

func (a *app) authenticate(fn func(username, password string) error) error {
	username, err := a.prompt("Nome de usuário: ")
	if err != nil {
		return err
	}
	password, err := a.prompt("Senha: ")
	if err != nil {
		return err
	}
	return a.report(fn(username, password))
}

func (a *app) readEmail() error {
	list, err := a.c.ListEmails()
	if err != nil {
		return a.report(err)
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "Nenhum email para ler.")
		return nil
	}
	for _, line := range list {
		fmt.Fprintln(a.out, line)
	}

	answer, err := a.prompt(fmt.Sprintf("Escolha um email [1-%d]: ", len(list)))
	if err != nil {
		return err
	}
	choice, err := strconv.Atoi(answer)
	if err != nil {
		fmt.Fprintln(a.out, "Escolha inválida.")
		return nil
	}

	email, err := a.c.ReadEmail(choice)
	if err != nil {
		return a.report(err)
	}
	fmt.Fprintf(a.out, emailDisplay, email.Sender, email.Destination, email.Subject, email.Date, email.Content)
	return nil
}

func (a *app) sendEmail() error {
	destination, err := a.prompt("Destinatário: ")
	if err != nil {
		return err
	}
	subject, err := a.prompt("Assunto: ")
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Conteúdo (termine com %q sozinho numa linha):\n", endOfBody)
	content, err := a.body()
	if err != nil {
		return err
	}

	if err := a.c.SendEmail(destination, subject, content); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Email enviado.")
	return nil
}

func (a *app) stats() error {
	stats, err := a.c.Stats()
	if err != nil {
		return a.report(err)
	}
	fmt.Fprintf(a.out, "Emails: %d\nTamanho da caixa: %d bytes\n", stats.Count, stats.Size)
	return nil
}

// report mostra erros do servidor e devolve só os de transporte
func (a *app) report(err error) error {
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) {
		fmt.Fprintf(a.out, "Erro: %s\n", serverErr.Message)
		return nil
	}
	return err
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	if !a.in.Scan() {
		if err := a.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(a.in.Text()), nil
}

// body lê linhas até uma linha contendo apenas endOfBody
func (a *app) body() (string, error) {
	var lines []string
	for a.in.Scan() {
		line := a.in.Text()
		if line == endOfBody {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
	if err := a.in.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
