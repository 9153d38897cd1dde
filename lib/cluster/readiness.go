/*
 * Kubelab
 * Copyright (C) 2025  Kubelab, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package cluster

import (
	"context"

	"github.com/gravitational/trace"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// minSystemPods is the number of Running kube-system pods required by the
// readiness predicate.
const minSystemPods = 3

// ReadyCheckFunc probes the cluster behind a kubeconfig for readiness.
type ReadyCheckFunc func(ctx context.Context, kubeconfigPath string) error

// CheckReady is the production readiness predicate: the control-plane
// node reports Ready and at least three kube-system pods are Running.
func CheckReady(ctx context.Context, kubeconfigPath string) error {
	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return trace.Wrap(err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return trace.Wrap(err)
	}

	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return trace.Wrap(err, "listing nodes")
	}
	if len(nodes.Items) == 0 {
		return trace.NotFound("no nodes registered yet")
	}
	var nodeReady bool
	for _, n := range nodes.Items {
		for _, cond := range n.Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				nodeReady = true
			}
		}
	}
	if !nodeReady {
		return trace.CompareFailed("control-plane node is not Ready")
	}

	pods, err := clientset.CoreV1().Pods(metav1.NamespaceSystem).List(ctx, metav1.ListOptions{})
	if err != nil {
		return trace.Wrap(err, "listing system pods")
	}
	running := 0
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			running++
		}
	}
	if running < minSystemPods {
		return trace.CompareFailed("only %d system pods running, want at least %d",
			running, minSystemPods)
	}
	return nil
}
