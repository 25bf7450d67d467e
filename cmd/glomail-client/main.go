// Comando glomail-client é o cliente interativo do serviço glomail.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/carloslauriano/glomail/client"
)

const dialTimeout = 5 * time.Second

func main() {
	destination := pflag.StringP("destination", "d", "", "endereço do servidor (obrigatório)")
	port := pflag.IntP("port", "p", client.DefaultPort, "porta do servidor")
	domain := pflag.String("domain", "glo2000.ca", "domínio dos endereços de email")
	pflag.Parse()

	if *destination == "" {
		fmt.Fprintln(os.Stderr, "o endereço do servidor é obrigatório: use --destination")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	c, err := client.Dial(ctx, *destination, *port, *domain)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newApp(c, os.Stdin, os.Stdout).run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
