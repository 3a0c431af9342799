/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: scripts.go
Description: Lists the bundled session scripts or prints the source of one of them.
*/

package commands

import (
	"fmt"
	"os"

	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ListScripts lists the bundled scripts, or prints one when a name is given
func ListScripts(cmd *cobra.Command, args []string) error {
	if viper.GetBool("scripts.environment") {
		_, err := os.Stdout.Write(script.Environment())
		return err
	}

	if len(args) == 1 {
		src, err := script.LoadBuiltin(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(src)
		return err
	}

	fmt.Println("📜 Akaylee HTTP Fuzzer - Bundled Scripts")
	fmt.Println("=======================================")
	fmt.Println()

	for i, s := range script.BuiltinScripts() {
		fmt.Printf("%d. %s\n", i+1, s.Name)
		fmt.Printf("   Description: %s\n", s.Description)
		fmt.Printf("   Reference: %s%s\n", script.BuiltinPrefix, s.Name)
		fmt.Println()
	}

	fmt.Println("✨ Use `script: builtin:<name>` in a session file to select a script")
	fmt.Println("   or point `script:` at your own .tengo file")
	return nil
}
